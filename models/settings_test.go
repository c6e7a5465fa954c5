package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigRecord_Validate(t *testing.T) {
	full := ConfigRecord{
		SetupComplete: true,
		Credentials:   Credentials{Username: "admin", PasswordHash: "hash"},
		VPN:           VPNSettings{ControlServerURL: "https://hs", AuthKey: "key"},
		ProxyEndpoint: "localhost:1055",
	}

	tests := []struct {
		name    string
		mutate  func(r *ConfigRecord)
		wantErr bool
	}{
		{name: "complete", mutate: func(r *ConfigRecord) {}},
		{name: "incomplete setup may be partial", mutate: func(r *ConfigRecord) {
			*r = ConfigRecord{}
		}},
		{name: "missing credentials", mutate: func(r *ConfigRecord) { r.Credentials.PasswordHash = "" }, wantErr: true},
		{name: "missing vpn", mutate: func(r *ConfigRecord) { r.VPN.ControlServerURL = "" }, wantErr: true},
		{name: "missing proxy", mutate: func(r *ConfigRecord) { r.ProxyEndpoint = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := full
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIncompleteRecord)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigRecord_ToResponseHidesSecrets(t *testing.T) {
	r := ConfigRecord{
		Credentials: Credentials{Username: "admin", PasswordHash: "hash"},
		VPN:         VPNSettings{ControlServerURL: "https://hs", AuthKey: "secret"},
	}
	resp := r.ToResponse()
	assert.Equal(t, "admin", resp.Username)
	assert.True(t, resp.AuthKeySet)
}

func TestDownloadStatus_IsTerminal(t *testing.T) {
	assert.False(t, DownloadQueued.IsTerminal())
	assert.False(t, DownloadRunning.IsTerminal())
	assert.True(t, DownloadCompleted.IsTerminal())
	assert.True(t, DownloadFailed.IsTerminal())
	assert.True(t, DownloadCancelled.IsTerminal())
}

func TestShareLink_IsExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&ShareLink{}).IsExpired(now))
	assert.True(t, (&ShareLink{ExpiresAt: &past}).IsExpired(now))
	assert.False(t, (&ShareLink{ExpiresAt: &future}).IsExpired(now))
}
