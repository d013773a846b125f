package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileKeys maps config file keys to the environment variable they stand in
// for. A value from the file is used only when the variable is unset.
var fileKeys = map[string]string{
	"listen_addr":           envVarListenAddr,
	"allowed_origins":       envVarAllowedOrigins,
	"mode":                  envVarMode,
	"log_format":            envVarLogFormat,
	"log_level":             envVarLogLevel,
	"log_file":              envVarLogFile,
	"log_max_size_mb":       envVarLogMaxSizeMB,
	"log_max_backups":       envVarLogMaxBackups,
	"log_max_age_days":      envVarLogMaxAgeDays,
	"shutdown_timeout":      envVarShutdownTimeout,
	"ice_gathering_timeout": envVarICEGatheringTimeout,
	"console":               envVarConsole,

	"session_connect_timeout": envVarSessionConnectTimeout,
	"max_pending_candidates":  envVarMaxPendingCandidates,
	"pending_candidate_ttl":   envVarPendingCandidateTTL,
	"keyframe_interval":       envVarKeyframeInterval,

	"telemetry_queue_size": envVarTelemetryQueueSize,
	"telemetry_workers":    envVarTelemetryWorkers,
	"aggregator_url":       envVarAggregatorURL,
	"uplink_retry_delay":   envVarUplinkRetryDelay,
	"uplink_write_timeout": envVarUplinkWriteTimeout,
	"uplink_ping_interval": envVarUplinkPingInterval,

	"auth_mode":                         envVarAuthMode,
	"api_key":                           envVarAPIKey,
	"jwt_secret":                        envVarJWTSecret,
	"max_signaling_requests_per_second": envVarMaxSignalingRequestsPerSecond,
	"max_signaling_body_bytes":          envVarMaxSignalingBodyBytes,

	"ice_servers":                       envICEServersJSON,
	"stun_urls":                         envStunURLs,
	"turn_urls":                         envTurnURLs,
	"turn_username":                     envTurnUsername,
	"turn_credential":                   envTurnCredential,
	"turn_rest_shared_secret":           envVarTURNRESTSharedSecret,
	"turn_rest_ttl_seconds":             envVarTURNRESTTTLSeconds,
	"turn_rest_username_prefix":         envVarTURNRESTUsernamePrefix,
	"webrtc_udp_port_min":               envVarWebRTCUDPPortMin,
	"webrtc_udp_port_max":               envVarWebRTCUDPPortMax,
	"webrtc_udp_listen_ip":              envVarWebRTCUDPListenIP,
	"webrtc_nat_1to1_ips":               envVarWebRTCNAT1To1IPs,
	"webrtc_nat_1to1_ip_candidate_type": envVarWebRTCNAT1To1IPCandidateType,
	"webrtc_mdns_mode":                  envVarWebRTCMDNSMode,
}

// loadFile reads a YAML (.yaml, .yml) or TOML (.toml) config file and returns
// its settings keyed by environment variable name.
func loadFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	doc := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(raw), &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config file %s: unsupported extension %q (expected .yaml, .yml or .toml)", path, ext)
	}

	return fileValues(doc)
}

func fileValues(doc map[string]any) (map[string]string, error) {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(doc))
	for _, k := range keys {
		env, ok := fileKeys[k]
		if !ok {
			return nil, fmt.Errorf("config file: unknown key %q", k)
		}
		v, err := fileValueString(k, doc[k])
		if err != nil {
			return nil, err
		}
		out[env] = v
	}
	return out, nil
}

func fileValueString(key string, v any) (string, error) {
	switch key {
	case "ice_servers":
		// Re-encode so the JSON parser validates it like AERO_ICE_SERVERS_JSON.
		b, err := json.Marshal(normalizeYAML(v))
		if err != nil {
			return "", fmt.Errorf("config file: %s: %w", key, err)
		}
		return string(b), nil
	}

	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			s, err := fileValueString(key, item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	case map[string]any:
		return "", fmt.Errorf("config file: %s: expected a scalar or list", key)
	default:
		return fmt.Sprint(t), nil
	}
}

// normalizeYAML converts map[any]any nodes (possible in nested YAML) into
// map[string]any so they can be JSON encoded.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}
