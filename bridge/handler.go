package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/blegateway/buffer"
	"github.com/mjasion/balena-home/blegateway/codec"
	"github.com/mjasion/balena-home/blegateway/telemetry"
	"github.com/mjasion/balena-home/blegateway/types"
)

var (
	ErrUnknownDevice      = errors.New("unknown device")
	ErrUnknownCommand     = errors.New("unknown command")
	ErrUnknownCorrelation = errors.New("unknown correlation data")
	ErrNotApplicable      = errors.New("command not applicable to device")
)

// Publisher sends a payload to an MQTT topic
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Config configures the bridge handler
type Config struct {
	TopicPrefix string
	PendingTTL  time.Duration
	Devices     []codec.DeviceProfile
}

type pendingCommand struct {
	command codec.Command
	profile codec.DeviceProfile
	expires time.Time
}

// Handler routes gateway messages through the codec. It decodes advertisements
// into readings, turns commands into transport requests and matches transport
// responses back to the command they answer.
type Handler struct {
	topics      Topics
	devices     map[string]codec.DeviceProfile
	publisher   Publisher
	buffer      *buffer.RingBuffer[*types.Reading]
	instruments *telemetry.Instruments
	logger      *zap.Logger
	pendingTTL  time.Duration
	now         func() time.Time

	mu      sync.Mutex
	pending map[string]pendingCommand
}

// NewHandler creates a handler for the configured devices. buf and instruments may be nil.
func NewHandler(cfg Config, publisher Publisher, buf *buffer.RingBuffer[*types.Reading], instruments *telemetry.Instruments, logger *zap.Logger) *Handler {
	devices := make(map[string]codec.DeviceProfile, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices[d.ShortAddress()] = d
	}

	ttl := cfg.PendingTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Handler{
		topics:      Topics{Prefix: cfg.TopicPrefix},
		devices:     devices,
		publisher:   publisher,
		buffer:      buf,
		instruments: instruments,
		logger:      logger,
		pendingTTL:  ttl,
		now:         time.Now,
		pending:     make(map[string]pendingCommand),
	}
}

// Topics returns the topic layout of the handler
func (h *Handler) Topics() Topics {
	return h.topics
}

// Device returns the profile registered under a short or colon separated address
func (h *Handler) Device(address string) (codec.DeviceProfile, bool) {
	p, ok := h.devices[codec.ShortAddress(address)]
	return p, ok
}

// DevicesInFamily returns every configured device of the given family
func (h *Handler) DevicesInFamily(family codec.Family) []codec.DeviceProfile {
	var out []codec.DeviceProfile
	for _, p := range h.devices {
		if f, err := p.Model.Family(); err == nil && f == family {
			out = append(out, p)
		}
	}
	return out
}

// HandleAdvertisement decodes a JSON AdvertisementMessage received for a device
func (h *Handler) HandleAdvertisement(ctx context.Context, address string, payload []byte) error {
	var msg AdvertisementMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode advertisement message: %w", err)
	}
	return h.ProcessAdvertisement(ctx, address, msg)
}

// ProcessAdvertisement decodes one advertisement, publishes the reading and buffers it.
// Advertisements that carry no data for the device's model are ignored.
func (h *Handler) ProcessAdvertisement(ctx context.Context, address string, msg AdvertisementMessage) error {
	profile, ok := h.Device(address)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}

	reading, err := codec.DecodeAdvertisement(profile, msg.AdvData, h.now())
	if err != nil {
		h.instruments.Advertisement(ctx, profile.Model.String(), "error")
		return fmt.Errorf("device %s: %w", profile.Name, err)
	}
	if reading == nil {
		h.instruments.Advertisement(ctx, profile.Model.String(), "empty")
		return nil
	}
	h.instruments.Advertisement(ctx, profile.Model.String(), "decoded")

	r := types.NewAdvertisementReading(reading, msg.RSSI)
	if h.buffer != nil {
		h.buffer.Add(r)
	}

	data, err := json.Marshal(r.Advertisement)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	if err := h.publisher.Publish(h.topics.Readings(profile.ShortAddress()), data); err != nil {
		return fmt.Errorf("publish reading: %w", err)
	}

	h.logger.Debug("advertisement decoded",
		zap.String("device", profile.Name),
		zap.String("model", profile.Model.String()),
		zap.Int16("rssi", msg.RSSI),
	)
	return nil
}

// HandleCommand decodes a JSON CommandMessage and dispatches it
func (h *Handler) HandleCommand(ctx context.Context, address string, payload []byte) error {
	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode command message: %w", err)
	}

	cmd, ok := codec.ParseCommand(msg.Command)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Command)
	}

	_, err := h.Dispatch(ctx, address, cmd, msg.Args, msg.CorrelationData)
	return err
}

// Dispatch encodes cmd for the device and publishes the request envelope.
// An empty token is replaced by a new UUID; the token used is returned.
// A command the device cannot run is answered with a 400 outcome.
func (h *Handler) Dispatch(ctx context.Context, address string, cmd codec.Command, args codec.Args, token string) (string, error) {
	ctx, span := otel.Tracer("bridge").Start(ctx, "bridge.Dispatch",
		trace.WithAttributes(
			attribute.String("device.address", address),
			attribute.String("command", string(cmd)),
		),
	)
	defer span.End()

	token, err := h.dispatch(ctx, address, cmd, args, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return token, err
}

func (h *Handler) dispatch(ctx context.Context, address string, cmd codec.Command, args codec.Args, token string) (string, error) {
	profile, ok := h.Device(address)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	if token == "" {
		token = uuid.NewString()
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("correlation_data", token))

	now := h.now()
	req, ok := codec.EncodeCommand(profile, cmd, args, now)
	if !ok {
		out := codec.Outcome{
			Kind:             codec.OutcomeError,
			StatusCode:       400,
			Reason:           codec.ReasonBadRequest,
			Address:          profile.Address,
			Timestamp:        &now,
			CorrelationToken: token,
		}
		if err := h.publishOutcome(ctx, cmd, profile, out); err != nil {
			return token, err
		}
		return token, fmt.Errorf("%w: %s on %s", ErrNotApplicable, cmd, profile.Model)
	}

	short := profile.ShortAddress()
	data, err := json.Marshal(RequestEnvelope{
		CommandRequest:  req,
		ResponseTopic:   h.topics.Response(short),
		CorrelationData: token,
	})
	if err != nil {
		return token, fmt.Errorf("encode request: %w", err)
	}

	h.mu.Lock()
	h.expireLocked(now)
	h.pending[token] = pendingCommand{command: cmd, profile: profile, expires: now.Add(h.pendingTTL)}
	h.mu.Unlock()

	if err := h.publisher.Publish(h.topics.Requests(short), data); err != nil {
		h.mu.Lock()
		delete(h.pending, token)
		h.mu.Unlock()
		return token, fmt.Errorf("publish request: %w", err)
	}

	h.instruments.Command(ctx, profile.Model.String(), string(cmd))
	telemetry.WithTrace(ctx, h.logger).Info("command dispatched",
		zap.String("device", profile.Name),
		zap.String("command", string(cmd)),
		zap.String("correlation_data", token),
	)
	return token, nil
}

// HandleResponse matches a transport response to its pending command,
// publishes the decoded outcome and buffers downloaded log entries.
func (h *Handler) HandleResponse(ctx context.Context, address string, payload []byte) error {
	var msg ResponseMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode response message: %w", err)
	}

	ctx, span := otel.Tracer("bridge").Start(ctx, "bridge.HandleResponse",
		trace.WithAttributes(
			attribute.String("device.address", address),
			attribute.String("correlation_data", msg.CorrelationData),
		),
	)
	defer span.End()

	h.mu.Lock()
	h.expireLocked(h.now())
	pending, ok := h.pending[msg.CorrelationData]
	if ok {
		delete(h.pending, msg.CorrelationData)
	}
	h.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: %q from %s", ErrUnknownCorrelation, msg.CorrelationData, address)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("command", string(pending.command)))

	out := codec.DecodeResponse(pending.command, msg.commandResponse(), pending.profile)
	if out.Kind == codec.OutcomeLog && h.buffer != nil {
		readings := make([]*types.Reading, len(out.Measurements))
		for i, e := range out.Measurements {
			readings[i] = types.NewLogReading(e)
		}
		h.buffer.AddAll(readings)
	}

	return h.publishOutcome(ctx, pending.command, pending.profile, out)
}

func (h *Handler) publishOutcome(ctx context.Context, cmd codec.Command, profile codec.DeviceProfile, out codec.Outcome) error {
	h.instruments.Outcome(ctx, string(cmd), out.Kind.String(), out.StatusCode)

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := h.publisher.Publish(h.topics.Outcomes(profile.ShortAddress()), data); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}

	logger := telemetry.WithTrace(ctx, h.logger)
	fields := []zap.Field{
		zap.String("device", profile.Name),
		zap.String("command", string(cmd)),
		zap.String("outcome", out.Kind.String()),
		zap.Uint("status_code", out.StatusCode),
		zap.String("correlation_data", out.CorrelationToken),
	}
	switch {
	case out.Kind == codec.OutcomeError:
		logger.Warn("command failed", append(fields, zap.String("reason", out.Reason))...)
	case out.MalformedEntries > 0:
		logger.Warn("log download skipped malformed entries", append(fields,
			zap.Int("log_entries", len(out.Measurements)),
			zap.Int("malformed_entries", out.MalformedEntries),
		)...)
	default:
		logger.Info("command completed", append(fields, zap.Int("log_entries", len(out.Measurements)))...)
	}
	return nil
}

// PendingCount returns the number of commands waiting for a response
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expireLocked(h.now())
	return len(h.pending)
}

func (h *Handler) expireLocked(now time.Time) {
	for token, p := range h.pending {
		if now.After(p.expires) {
			delete(h.pending, token)
			h.logger.Warn("pending command expired without response",
				zap.String("device", p.profile.Name),
				zap.String("command", string(p.command)),
				zap.String("correlation_data", token),
			)
		}
	}
}
