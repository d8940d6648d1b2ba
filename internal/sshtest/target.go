package sshtest

import (
	"github.com/kelseyhightower/envconfig"
)

// Target describes an external SSH server for integration tests,
// read from NBSFTP_TEST_* environment variables.
type Target struct {
	Addr       string `envconfig:"ADDR" default:"127.0.0.1:22"`
	User       string `envconfig:"USER" default:""`
	Password   string `envconfig:"PASSWORD" default:""`
	KeyFile    string `envconfig:"KEY_FILE" default:""`
	Passphrase string `envconfig:"PASSPHRASE" default:""`
	KnownHosts string `envconfig:"KNOWN_HOSTS" default:""`

	// Dir is a scratch directory on the server the tests may fill and remove.
	Dir string `envconfig:"DIR" default:"/tmp"`
}

// LoadTarget reads the integration test target from the environment.
func LoadTarget() (*Target, error) {
	var t Target
	if err := envconfig.Process("NBSFTP_TEST", &t); err != nil {
		return nil, err
	}
	return &t, nil
}
