package bridge

import (
	"context"
	"encoding/json"

	"github.com/mdrincic-boop/mpx-link-pro/internal/event"
)

// Command names understood by the backend.
const (
	CmdStartStream      = "start_stream"
	CmdStopStream       = "stop_stream"
	CmdGetNetworkInfo   = "get_network_info"
	CmdConfigureNetwork = "configure_network"
	CmdGetDevices       = "get_devices"
)

// Event names the backend reports on stdout.
const (
	EventNetworkInfo   = "network_info"
	EventDevices       = "devices"
	EventStats         = "stats"
	EventNetworkResult = "network_config_result"
)

var (
	validModes        = map[string]bool{"sender": true, "receiver": true}
	validChannelModes = map[string]bool{"mono": true, "stereo": true, "multi": true}
)

// defaultNetworkInfo is returned before the backend has reported anything.
var defaultNetworkInfo = json.RawMessage(`{"current":{"ip":"","gateway":"","netmask":"","dns":""},"interfaces":[]}`)

func registerDefaults(b *Bridge) {
	b.Register(CmdStartStream, startStream)
	b.Register(CmdStopStream, stopStream)
	b.Register(CmdGetNetworkInfo, getNetworkInfo)
	b.Register(CmdConfigureNetwork, configureNetwork)
	b.Register(CmdGetDevices, getDevices)
}

// startStream launches the backend on demand and forwards the stream
// parameters. mode and channelMode are checked only when present.
func startStream(ctx context.Context, b *Bridge, cmd event.Command) (Ack, error) {
	if err := checkEnum(cmd, "mode", validModes); err != nil {
		return Ack{}, err
	}
	if err := checkEnum(cmd, "channelMode", validChannelModes); err != nil {
		return Ack{}, err
	}
	if b.backend == nil {
		return Ack{}, ErrBackendUnavailable
	}
	if !b.backend.Running() {
		if err := b.backend.Launch(ctx); err != nil {
			return Ack{}, err
		}
	}
	if err := b.Dispatch(cmd); err != nil {
		return Ack{}, err
	}
	return Ack{Dispatched: true}, nil
}

func stopStream(_ context.Context, b *Bridge, cmd event.Command) (Ack, error) {
	if b.backend == nil || !b.backend.Running() {
		return Ack{}, nil
	}
	if err := b.Dispatch(cmd); err != nil {
		return Ack{}, err
	}
	return Ack{Dispatched: true}, nil
}

// getNetworkInfo answers from the last reported network_info and asks a
// running backend for a fresh one.
func getNetworkInfo(_ context.Context, b *Bridge, cmd event.Command) (Ack, error) {
	data, ok := b.Last(EventNetworkInfo)
	if !ok {
		data = append(json.RawMessage(nil), defaultNetworkInfo...)
	}
	ack := Ack{Data: data}
	if b.backend != nil && b.backend.Running() {
		if err := b.Dispatch(cmd); err != nil {
			return ack, err
		}
		ack.Dispatched = true
	}
	return ack, nil
}

// configureNetwork forwards the request as is. Field validation belongs to
// the backend. Without a running backend the request is acknowledged but
// not dispatched, like stop_stream.
func configureNetwork(_ context.Context, b *Bridge, cmd event.Command) (Ack, error) {
	if b.backend == nil || !b.backend.Running() {
		return Ack{}, nil
	}
	if err := b.Dispatch(cmd); err != nil {
		return Ack{}, err
	}
	return Ack{Dispatched: true}, nil
}

func getDevices(_ context.Context, b *Bridge, cmd event.Command) (Ack, error) {
	data, _ := b.Last(EventDevices)
	ack := Ack{Data: data}
	if b.backend != nil && b.backend.Running() {
		if err := b.Dispatch(cmd); err != nil {
			return ack, err
		}
		ack.Dispatched = true
	}
	return ack, nil
}

func checkEnum(cmd event.Command, field string, allowed map[string]bool) error {
	v, ok := cmd.Args[field]
	if !ok {
		return nil
	}
	s, isString := v.(string)
	if !isString || !allowed[s] {
		return &InvalidArgsError{Command: cmd.Name, Field: field, Value: v}
	}
	return nil
}
