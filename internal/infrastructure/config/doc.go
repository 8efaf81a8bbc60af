// Package config handles loading and validating coop simulator configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with COOPSIM_* environment variables
//   - Validation of required fields
//   - Default value handling (simulation timings, broker and backend endpoints)
//
// Security Considerations:
//   - Broker passwords and the JWT secret should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Device.ID)
package config
