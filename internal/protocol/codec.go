package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// maxRequestBytes bounds a single inbound request body.
const maxRequestBytes = 4 << 20

// DecodeLaunchTasks reads a LaunchTasksRequest from r.
func DecodeLaunchTasks(r io.Reader) (*LaunchTasksRequest, error) {
	var req LaunchTasksRequest
	if err := decodeStrict(r, &req); err != nil {
		return nil, err
	}
	if err := checkVersion(req.Protocol); err != nil {
		return nil, err
	}
	return &req, nil
}

// DecodeSpawnTask reads a SpawnTaskRequest from r.
func DecodeSpawnTask(r io.Reader) (*SpawnTaskRequest, error) {
	var req SpawnTaskRequest
	if err := decodeStrict(r, &req); err != nil {
		return nil, err
	}
	if err := checkVersion(req.Protocol); err != nil {
		return nil, err
	}
	return &req, nil
}

// DecodeBatchJob reads a BatchJobLaunchRequest from r.
func DecodeBatchJob(r io.Reader) (*BatchJobLaunchRequest, error) {
	var req BatchJobLaunchRequest
	if err := decodeStrict(r, &req); err != nil {
		return nil, err
	}
	if err := checkVersion(req.Protocol); err != nil {
		return nil, err
	}
	return &req, nil
}

// EncodeReport serializes a StepReport to JSON and writes it to w.
func EncodeReport(w io.Writer, rep *StepReport) error {
	if rep == nil {
		return fmt.Errorf("report is nil")
	}
	if rep.State == "" {
		return fmt.Errorf("report missing required field: state")
	}
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(r, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("failed to decode request: trailing data after object")
	}
	return nil
}

func checkVersion(v int) error {
	if v != Version {
		return fmt.Errorf("unsupported protocol version: %d", v)
	}
	return nil
}
