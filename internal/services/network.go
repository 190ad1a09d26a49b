package services

import (
	"context"
	"fmt"

	"github.com/desertthunder/tapedeck/internal/shared"
)

// StaticNetworkMonitor reports a fixed network state, normally read from the [network] config section.
type StaticNetworkMonitor struct {
	info NetworkInfo
}

func NewStaticNetworkMonitor(info NetworkInfo) *StaticNetworkMonitor {
	return &StaticNetworkMonitor{info: info}
}

// NetworkMonitorFromConfig builds a static monitor from the [network] section.
func NetworkMonitorFromConfig(cfg shared.NetworkConfig) *StaticNetworkMonitor {
	info := NetworkInfo{Status: NetworkStatus(cfg.Status), Type: NetworkType(cfg.Type), Metered: cfg.Metered}
	if info.Status == "" {
		info.Status = NetworkOnline
	}
	if info.Type == "" {
		info.Type = NetworkUnknown
	}
	return NewStaticNetworkMonitor(info)
}

func (m *StaticNetworkMonitor) NetworkInfo(context.Context) (NetworkInfo, error) {
	return m.info, nil
}

// NetworkPolicy constrains which networks a sync may run on.
type NetworkPolicy struct {
	WifiOnly     bool
	AllowMetered bool
}

func NetworkPolicyFromConfig(cfg shared.NetworkConfig) NetworkPolicy {
	return NetworkPolicy{WifiOnly: cfg.WifiOnly, AllowMetered: cfg.AllowMetered}
}

// Check returns an error wrapping [shared.ErrNetworkUnavailable] when info does not satisfy p.
// Wired ethernet counts as Wi-Fi for WifiOnly.
func (p NetworkPolicy) Check(info NetworkInfo) error {
	if info.Status != NetworkOnline {
		return fmt.Errorf("%w: network is %s", shared.ErrNetworkUnavailable, info.Status)
	}
	if p.WifiOnly && info.Type != NetworkWifi && info.Type != NetworkEthernet {
		return fmt.Errorf("%w: wifi required, connected via %s", shared.ErrNetworkUnavailable, info.Type)
	}
	if !p.AllowMetered && info.Metered {
		return fmt.Errorf("%w: metered connection not allowed", shared.ErrNetworkUnavailable)
	}
	return nil
}
