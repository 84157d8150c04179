package models

import "time"

// Channel is a registered gateway connection identity. A channel becomes
// ready once the operator completes the QR authentication handshake on the
// gateway side.
type Channel struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CredentialKey   string    `json:"credential_key"`
	Address         string    `json:"address"`
	IsDefault       bool      `json:"is_default"`
	Ready           bool      `json:"ready"`
	AuthorizedUsers []string  `json:"authorized_users,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Credentials identify a channel to the gateway.
type Credentials struct {
	Key     string
	Address string
}

// Creds returns the gateway credentials for the channel.
func (c *Channel) Creds() Credentials {
	return Credentials{Key: c.CredentialKey, Address: c.Address}
}
