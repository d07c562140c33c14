// Package config provides configuration management for Warden.
//
// Configuration is read from a YAML file, decoded on top of Default, filled
// with remaining defaults, overridden from the environment and validated:
//
//	cfg, err := config.LoadConfigWithEnvOverrides("/usr/local/etc/warden/warden.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention WARDEN_SECTION_FIELD:
//
//   - WARDEN_MODE overrides mode
//   - WARDEN_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - WARDEN_POLICIES_GIT_TOKEN overrides policies.git.token
//
// Environment variables always take precedence over the file.
//
// # Validation
//
// Validate collects every problem into a single ValidationError so an
// operator sees the full list in one run.
package config
