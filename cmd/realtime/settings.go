package main

import "strings"

type Settings struct {
	Port                   int    `env:"PORT,default=8000"`
	BasePath               string `env:"BASE_PATH,default=/realtime"`
	JWTSecret              string `env:"JWT_SECRET,required=true"`
	JWTAudience            string `env:"JWT_AUDIENCE,default=realtime"`
	APIKeys                string `env:"API_KEYS"`
	LogEncoding            string `env:"LOG_ENCODING,default=console"`
	LogLevel               string `env:"LOG_LEVEL,default=info"`
	AllowedOrigins         string `env:"ALLOWED_ORIGINS"`
	Backplane              string `env:"BACKPLANE,default=local"`
	RedisURL               string `env:"REDIS_URL,default=redis://localhost:6379/0"`
	NATSURL                string `env:"NATS_URL,default=nats://localhost:4222"`
	BackplanePrefix        string `env:"BACKPLANE_PREFIX,default=realtime"`
	MongoDBURI             string `env:"MONGODB_URI,required=true"`
	MongoDBDatabase        string `env:"MONGODB_DATABASE,default=social"`
	SendBufferSize         int    `env:"SEND_BUFFER_SIZE,default=256"`
	InboundBufferSize      int    `env:"INBOUND_BUFFER_SIZE,default=32"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS,default=30"`
}

func splitList(value string) []string {
	var items []string

	for item := range strings.SplitSeq(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}

	return items
}
