// Package config handles loading and validating resolver configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (TSR_*)
//   - Validation of required fields and device/mapping references
//   - Default value handling, including per-device overrides of queue and
//     tracker timing
//
// Security Considerations:
//   - Broker passwords and the InfluxDB token should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range cfg.Devices {
//	    fmt.Println(d.ID, cfg.PollCeiling(d))
//	}
package config
