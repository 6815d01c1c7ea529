package config

import "testing"

func TestFromEnvUsesEnvOverFile(t *testing.T) {
	t.Setenv("MQTTCORE_HOST", "broker.example.com")
	t.Setenv("MQTTCORE_PORT", "8883")
	t.Setenv("MQTTCORE_CLIENT_ID", "env-client")

	file := &File{Host: "file-host", Port: 1883, ClientID: "file-client"}

	opts, err := FromEnv(file)
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if opts.Host != "broker.example.com" || opts.Port != 8883 {
		t.Fatalf("opts = %+v, want env host/port", opts)
	}
	if opts.ClientID != "env-client" {
		t.Fatalf("ClientID = %s, want env-client", opts.ClientID)
	}
}

func TestFromEnvRejectsBadPort(t *testing.T) {
	t.Setenv("MQTTCORE_HOST", "broker.example.com")
	t.Setenv("MQTTCORE_PORT", "not-a-number")

	if _, err := FromEnv(nil); err == nil {
		t.Fatal("expected error for malformed MQTTCORE_PORT")
	}
}
