package agent

import (
	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail and
// Outlook for IMAP bearer authentication.
type xoauth2Client struct {
	username string
	token    string
}

func newXoauth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	resp := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", resp, nil
}

// Next handles the error challenge: the server sends a JSON blob and
// expects an empty response before issuing the tagged NO.
func (c *xoauth2Client) Next([]byte) ([]byte, error) {
	return []byte{}, nil
}
