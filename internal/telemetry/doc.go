// Package telemetry builds one event per relayed video frame and hands it to
// the uplink without ever blocking the media path.
//
// Events carry the operator-controlled override state (gaze point and blink
// flag) as it was when the frame completed. A bounded queue sits between the
// relay and a fixed pool of workers; when the uplink stalls, the oldest queued
// events are dropped so the freshest telemetry wins.
package telemetry
