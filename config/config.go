// Package config loads mqttcore.Options from environment variables and
// an optional YAML file, for use by command-line tools built on the
// library. It is deliberately stdlib-only plus yaml.v3: env var lookup
// and merging is a poor fit for any third-party library in the pack,
// so it stays on os.LookupEnv and strconv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brownfield-io/mqttcore"
)

// File is the shape of an optional YAML config file; env vars override
// whatever it sets.
type File struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	KeepAlive    string `yaml:"keep_alive"`
	CleanSession bool   `yaml:"clean_session"`
}

// FromFile parses a YAML config file into File.
func FromFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f, nil
}

// FromEnv builds mqttcore.Options from MQTTCORE_* environment variables,
// applying file as a base when non-nil. Env vars take precedence.
func FromEnv(file *File) (*mqttcore.Options, error) {
	host := envOr("MQTTCORE_HOST", "")
	port := 1883
	clientID := ""
	username := ""
	password := ""
	keepAlive := 30 * time.Second
	cleanSession := true

	if file != nil {
		if file.Host != "" {
			host = file.Host
		}
		if file.Port != 0 {
			port = file.Port
		}
		clientID = file.ClientID
		username = file.Username
		password = file.Password
		cleanSession = file.CleanSession
		if file.KeepAlive != "" {
			if d, err := time.ParseDuration(file.KeepAlive); err == nil {
				keepAlive = d
			}
		}
	}

	if v, ok := os.LookupEnv("MQTTCORE_HOST"); ok {
		host = v
	}
	if v, ok := os.LookupEnv("MQTTCORE_PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: MQTTCORE_PORT: %w", err)
		}
		port = p
	}
	if v, ok := os.LookupEnv("MQTTCORE_CLIENT_ID"); ok {
		clientID = v
	}
	if v, ok := os.LookupEnv("MQTTCORE_USERNAME"); ok {
		username = v
	}
	if v, ok := os.LookupEnv("MQTTCORE_PASSWORD"); ok {
		password = v
	}
	if v, ok := os.LookupEnv("MQTTCORE_KEEP_ALIVE"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: MQTTCORE_KEEP_ALIVE: %w", err)
		}
		keepAlive = d
	}
	if v, ok := os.LookupEnv("MQTTCORE_CLEAN_SESSION"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: MQTTCORE_CLEAN_SESSION: %w", err)
		}
		cleanSession = b
	}

	opts := []mqttcore.Option{
		mqttcore.WithBroker(host, port),
		mqttcore.WithKeepAlive(keepAlive),
		mqttcore.WithCleanSession(cleanSession),
	}
	if clientID != "" {
		opts = append(opts, mqttcore.WithClientID(clientID))
	}
	if username != "" {
		opts = append(opts, mqttcore.WithUsernamePassword(username, password))
	}

	return mqttcore.New(opts...)
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
