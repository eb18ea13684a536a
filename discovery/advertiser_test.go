package discovery

import (
	"errors"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestStartAdvertiserRegistersRecord(t *testing.T) {
	var gotInstance, gotService, gotDomain string
	var gotPort int
	var gotText []string

	advertiser, err := StartAdvertiser(Config{
		InstanceID:   "id-1",
		InstanceName: "Desk",
		Port:         8765,
		PublicKey:    "cGVlci1rZXk=",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance, gotService, gotDomain = instance, service, domain
			gotPort, gotText = port, text
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("start advertiser: %v", err)
	}
	defer advertiser.Stop()

	if gotInstance != "Desk" || gotService != DefaultService || gotDomain != DefaultDomain {
		t.Errorf("registered (%q, %q, %q)", gotInstance, gotService, gotDomain)
	}
	if gotPort != 8765 {
		t.Errorf("port = %d, want 8765", gotPort)
	}

	want := map[string]string{
		"instance_id": "id-1",
		"version":     "1",
		"public_key":  "cGVlci1rZXk=",
	}
	got := txtToMap(gotText)
	for key, value := range want {
		if got[key] != value {
			t.Errorf("TXT %s = %q, want %q", key, got[key], value)
		}
	}
}

func TestStartAdvertiserValidation(t *testing.T) {
	valid := Config{
		InstanceID:   "id-1",
		InstanceName: "Desk",
		Port:         8765,
		PublicKey:    "key",
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing instance id", func(c *Config) { c.InstanceID = " " }},
		{"missing instance name", func(c *Config) { c.InstanceName = "" }},
		{"missing port", func(c *Config) { c.Port = 0 }},
		{"missing public key", func(c *Config) { c.PublicKey = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if _, err := StartAdvertiser(cfg); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestStartAdvertiserRegistrationFailure(t *testing.T) {
	boom := errors.New("mdns socket unavailable")
	_, err := StartAdvertiser(Config{
		InstanceID:   "id-1",
		InstanceName: "Desk",
		Port:         8765,
		PublicKey:    "key",
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped registration failure", err)
	}
}

func TestAdvertiserStopNil(t *testing.T) {
	var advertiser *Advertiser
	advertiser.Stop()
	(&Advertiser{}).Stop()
}
