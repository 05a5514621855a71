package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultRequestTimeout       = "30s"
	defaultConnectTimeout       = "10s"
	defaultSafetyMargin         = "30s"
	defaultRefreshTimeout       = "15s"
	defaultProgressMode         = "auto"
	defaultPollInterval         = "1s"
	defaultPollMaxInterval      = "15s"
	defaultPollBackoffFactor    = 1.5
	defaultMaxConsecutiveErrors = 5
	defaultLogLevel             = "info"
	defaultLogFormat            = "auto"
	defaultGatewayListen        = "127.0.0.1:8088"
	defaultLedgerFileName       = "jobs.db"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			RequestTimeout: defaultRequestTimeout,
			ConnectTimeout: defaultConnectTimeout,
		},
		Auth: AuthConfig{
			SafetyMargin:   defaultSafetyMargin,
			RefreshTimeout: defaultRefreshTimeout,
		},
		Progress: ProgressConfig{
			Mode:                 defaultProgressMode,
			PollInterval:         defaultPollInterval,
			PollMaxInterval:      defaultPollMaxInterval,
			PollBackoffFactor:    defaultPollBackoffFactor,
			MaxConsecutiveErrors: defaultMaxConsecutiveErrors,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Gateway: GatewayConfig{
			Listen: defaultGatewayListen,
		},
		Ledger: LedgerConfig{
			Enabled: true,
		},
	}
}
