package bridge

import (
	"github.com/mjasion/balena-home/blegateway/codec"
)

// AdvertisementMessage is what a BLE transport publishes for every advertisement it sees
type AdvertisementMessage struct {
	RSSI    int16                  `json:"rssi"`
	AdvData codec.RawAdvertisement `json:"advData"`
}

// CommandMessage asks the gateway to run a command on a device
type CommandMessage struct {
	Command         string     `json:"command"`
	Args            codec.Args `json:"args,omitempty"`
	CorrelationData string     `json:"correlationData,omitempty"`
}

// RequestEnvelope is the command request handed to the BLE transport
type RequestEnvelope struct {
	codec.CommandRequest
	ResponseTopic   string `json:"responseTopic"`
	CorrelationData string `json:"correlationData"`
}

// ResponseMessage is the BLE transport reply to a RequestEnvelope
type ResponseMessage struct {
	StatusCode uint `json:"statusCode"`
	Result     struct {
		Notifications []string `json:"notifications"`
	} `json:"result"`
	Timestamp       *uint64 `json:"timestamp,omitempty"`
	CorrelationData string  `json:"correlationData"`
	Reason          string  `json:"reason,omitempty"`
}

func (m ResponseMessage) commandResponse() codec.CommandResponse {
	return codec.CommandResponse{
		StatusCode:       m.StatusCode,
		Notifications:    m.Result.Notifications,
		TimestampMillis:  m.Timestamp,
		CorrelationToken: m.CorrelationData,
		Reason:           m.Reason,
	}
}
