package metrics

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"unicode"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mjasion/balena-home/blegateway/codec"
	"github.com/mjasion/balena-home/blegateway/types"
)

const (
	metricPrefix   = "ble_"
	rssiMetricName = "ble_rssi_dbm"
	sourceLog      = "log"
)

// seriesKey identifies one time series: device tags, metric name and origin
type seriesKey struct {
	tags   codec.Tags
	name   string
	source string
}

type seriesSet map[seriesKey][]prompb.Sample

func (s seriesSet) add(key seriesKey, value float64, timestampMillis int64) {
	s[key] = append(s[key], prompb.Sample{Value: value, Timestamp: timestampMillis})
}

// build returns the series ordered by name and labels, samples ordered by time
func (s seriesSet) build() []prompb.TimeSeries {
	keys := make([]seriesKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b seriesKey) int {
		return cmp.Or(
			cmp.Compare(a.name, b.name),
			cmp.Compare(a.tags.Address, b.tags.Address),
			cmp.Compare(a.source, b.source),
		)
	})

	timeSeries := make([]prompb.TimeSeries, 0, len(keys))
	for _, k := range keys {
		samples := s[k]
		slices.SortStableFunc(samples, func(a, b prompb.Sample) int {
			return cmp.Compare(a.Timestamp, b.Timestamp)
		})
		timeSeries = append(timeSeries, prompb.TimeSeries{
			Labels:  k.labels(),
			Samples: samples,
		})
	}
	return timeSeries
}

// labels are sorted by name as remote_write expects
func (k seriesKey) labels() []prompb.Label {
	labels := []prompb.Label{
		{Name: "__name__", Value: k.name},
		{Name: "address", Value: k.tags.Address},
		{Name: "make", Value: k.tags.Make},
		{Name: "model", Value: k.tags.Model},
		{Name: "name", Value: k.tags.Name},
	}
	if k.source != "" {
		labels = append(labels, prompb.Label{Name: "source", Value: k.source})
	}
	return labels
}

// MetricName returns the series name of a measurement field, e.g. ble_ambient_battery_vol
func MetricName(measurement codec.MeasurementKind, field string) string {
	return metricPrefix + string(measurement) + "_" + snakeCase(field)
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// BuildAdvertisementTimeSeries builds one series per device and present field,
// plus the RSSI the advertisement was received at. Absent fields produce no sample.
func BuildAdvertisementTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildAdvertisementTimeSeries")
	defer span.End()

	set := make(seriesSet)
	for _, r := range readings {
		if r.Type != types.ReadingTypeAdvertisement || r.Advertisement == nil {
			continue
		}
		adv := r.Advertisement
		ts := adv.Timestamp.UnixMilli()

		for field, value := range adv.Fields {
			v, ok := value.Get()
			if !ok {
				continue
			}
			set.add(seriesKey{tags: adv.Tags, name: MetricName(adv.Measurement, field)}, v, ts)
		}
		set.add(seriesKey{tags: adv.Tags, name: rssiMetricName}, float64(adv.RSSI), ts)
	}

	timeSeries := set.build()
	span.SetAttributes(attribute.Int("metrics.advertisement_time_series_count", len(timeSeries)))
	span.SetStatus(codes.Ok, "advertisement time series built")
	return timeSeries, nil
}

// BuildLogTimeSeries builds series for entries downloaded from device logs.
// They carry source="log" so history never interleaves with live series.
func BuildLogTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildLogTimeSeries")
	defer span.End()

	set := make(seriesSet)
	for _, r := range readings {
		if r.Type != types.ReadingTypeLog || r.Log == nil {
			continue
		}
		entry := r.Log
		for field, v := range entry.Fields {
			key := seriesKey{tags: entry.Tags, name: MetricName(entry.Measurement, field), source: sourceLog}
			set.add(key, v, entry.Timestamp.UnixMilli())
		}
	}

	timeSeries := set.build()
	span.SetAttributes(attribute.Int("metrics.log_time_series_count", len(timeSeries)))
	span.SetStatus(codes.Ok, "log time series built")
	return timeSeries, nil
}

// CombineBuilders combines multiple time series builders into one
func CombineBuilders(builders ...TimeSeriesBuilder) TimeSeriesBuilder {
	return func(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
		var allTimeSeries []prompb.TimeSeries

		for _, builder := range builders {
			if builder == nil {
				continue
			}

			timeSeries, err := builder(ctx, readings)
			if err != nil {
				return nil, err
			}

			allTimeSeries = append(allTimeSeries, timeSeries...)
		}

		return allTimeSeries, nil
	}
}
