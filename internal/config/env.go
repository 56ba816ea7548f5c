package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Values are read through viper so that both the .env file and the process
// environment are honoured.

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(viper.GetString(key)); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if viper.IsSet(key) {
		if intVal := viper.GetInt(key); intVal != 0 {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if viper.IsSet(key) {
		if duration := viper.GetDuration(key); duration > 0 {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string, defaultVal []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
