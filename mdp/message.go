package mdp

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Side-A exposes 4 analog inputs and 4 MOSFET outputs.
const MaxAnalogInputs = 4
const MaxOutputs = 4

// Command vocabulary understood by current firmware.
const (
	CmdSetMosfet            = "set_mosfet"
	CmdSetTelemetryInterval = "set_telemetry_interval"
	CmdI2CScan              = "i2c_scan"
	CmdReset                = "reset"
)

// Event types and severities.
const (
	EventHello       = "hello"
	EventStateChange = "state_change"
	EventSensor      = "sensor_detected"
	EventError       = "error"

	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Telemetry is a periodic sensor report from a node. Seq and Time come
// from the frame header, not the JSON body; the session fills them in.
type Telemetry struct {
	DeviceID string `json:"device_id"`

	// analog input voltages AI1..AI4
	AI1 float64 `json:"ai1_voltage"`
	AI2 float64 `json:"ai2_voltage"`
	AI3 float64 `json:"ai3_voltage"`
	AI4 float64 `json:"ai4_voltage"`

	// BME688 environmentals, absent when the sensor is not fitted
	Temperature   *float64 `json:"temperature,omitempty"`
	Humidity      *float64 `json:"humidity,omitempty"`
	Pressure      *float64 `json:"pressure,omitempty"`
	GasResistance *float64 `json:"gas_resistance,omitempty"`

	MosfetStates []bool  `json:"mosfet_states"`
	I2CAddresses []uint8 `json:"i2c_addresses"`

	PowerStatus     json.RawMessage `json:"power_status,omitempty"`
	FirmwareVersion string          `json:"firmware_version,omitempty"`
	UptimeSeconds   uint32          `json:"uptime_seconds,omitempty"`

	Seq  uint16 `json:"-"`
	Time int64  `json:"-"`
}

func (t *Telemetry) MessageType() Type { return TypeTelemetry }

func (t *Telemetry) validate() error {
	if t.DeviceID == "" {
		return errors.Errorf("telemetry without device_id")
	}
	if len(t.MosfetStates) > MaxOutputs {
		return errors.Errorf("mosfet_states len=%d max=%d", len(t.MosfetStates), MaxOutputs)
	}
	for _, a := range t.I2CAddresses {
		if a > 0x7f {
			return errors.Errorf("i2c address=%02x out of 7-bit range", a)
		}
	}
	return nil
}

func (t *Telemetry) AnalogInputs() [MaxAnalogInputs]float64 {
	return [MaxAnalogInputs]float64{t.AI1, t.AI2, t.AI3, t.AI4}
}

// Command travels platform -> node. CorrelationID links the eventual Ack.
type Command struct {
	DeviceID      string                 `json:"device_id"`
	CommandType   string                 `json:"command_type"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
}

func (c *Command) MessageType() Type { return TypeCommand }

func (c *Command) validate() error {
	if c.DeviceID == "" {
		return errors.Errorf("command without device_id")
	}
	if c.CommandType == "" {
		return errors.Errorf("command without command_type")
	}
	return nil
}

// Event is an unsolicited notification from a node.
type Event struct {
	DeviceID  string          `json:"device_id"`
	EventType string          `json:"event_type"`
	Severity  string          `json:"severity,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (e *Event) MessageType() Type { return TypeEvent }

func (e *Event) validate() error {
	if e.DeviceID == "" {
		return errors.Errorf("event without device_id")
	}
	if e.EventType == "" {
		return errors.Errorf("event without event_type")
	}
	switch e.Severity {
	case "", SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return errors.Errorf("event severity=%s", e.Severity)
	}
	return nil
}

// Ack resolves exactly one pending Command.
type Ack struct {
	CorrelationID string `json:"correlation_id"`
	OK            bool   `json:"ok"`
	Detail        string `json:"detail,omitempty"`
}

func (a *Ack) MessageType() Type { return TypeAck }

func (a *Ack) validate() error {
	if a.CorrelationID == "" {
		return errors.Errorf("ack without correlation_id")
	}
	return nil
}
