package services

import (
	"context"
	"errors"
	"testing"

	"github.com/desertthunder/tapedeck/internal/shared"
)

func TestNetworkPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  NetworkPolicy
		info    NetworkInfo
		wantErr bool
	}{
		{"Offline", NetworkPolicy{AllowMetered: true}, NetworkInfo{Status: NetworkOffline, Type: NetworkWifi}, true},
		{"Unconstrained", NetworkPolicy{AllowMetered: true}, NetworkInfo{Status: NetworkOnline, Type: NetworkCellular, Metered: true}, false},
		{"Wifi Only On Wifi", NetworkPolicy{WifiOnly: true, AllowMetered: true}, NetworkInfo{Status: NetworkOnline, Type: NetworkWifi}, false},
		{"Wifi Only On Ethernet", NetworkPolicy{WifiOnly: true, AllowMetered: true}, NetworkInfo{Status: NetworkOnline, Type: NetworkEthernet}, false},
		{"Wifi Only On Cellular", NetworkPolicy{WifiOnly: true, AllowMetered: true}, NetworkInfo{Status: NetworkOnline, Type: NetworkCellular}, true},
		{"Metered Disallowed", NetworkPolicy{}, NetworkInfo{Status: NetworkOnline, Type: NetworkWifi, Metered: true}, true},
		{"Unmetered Allowed", NetworkPolicy{}, NetworkInfo{Status: NetworkOnline, Type: NetworkWifi}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Check(tt.info)
			if tt.wantErr && !errors.Is(err, shared.ErrNetworkUnavailable) {
				t.Errorf("expected ErrNetworkUnavailable, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestNetworkMonitorFromConfig(t *testing.T) {
	m := NetworkMonitorFromConfig(shared.NetworkConfig{Type: "cellular", Metered: true})
	info, err := m.NetworkInfo(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if info.Status != NetworkOnline {
		t.Errorf("expected default status online, got %s", info.Status)
	}
	if info.Type != NetworkCellular || !info.Metered {
		t.Errorf("unexpected info %+v", info)
	}
}
