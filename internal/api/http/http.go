package http

type Config struct {
	Port        uint   `mapstructure:"port"`
	AdminAPIKey string `mapstructure:"admin_api_key"`
	// AllowedOrigins for CORS; "*" or an empty list allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}
