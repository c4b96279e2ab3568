package relay

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pkcs12"
)

// Config is the relay's JSON configuration.
type Config struct {
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`

	// TLS termination at the relay, using a PKCS#12 identity file.
	EnableTLS      bool   `json:"enable_tls"`
	Pkcs12Path     string `json:"pkcs12_path,omitempty"`
	Pkcs12Password string `json:"pkcs12_password,omitempty"`

	// Path of the persisted user directory. Empty keeps users in memory
	// only, which is useful for tests.
	UserFile string `json:"user_file,omitempty"`
}

// LoadConfig loads the relay configuration from a JSON file.
func LoadConfig(filePath string) (*Config, error) {
	c := &Config{}

	d, err := ioutil.ReadFile(filePath)
	if err != nil {
		return c, err
	}

	return c, json.Unmarshal(d, c)
}

// Addr returns the host:port the relay binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// NewListener opens the relay's listening socket, terminating TLS when
// enabled.
func (c *Config) NewListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", c.Addr())
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", c.Addr())
	}
	if !c.EnableTLS {
		return ln, nil
	}

	identity, err := c.loadIdentity()
	if err != nil {
		ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{identity},
	}), nil
}

func (c *Config) loadIdentity() (tls.Certificate, error) {
	der, err := ioutil.ReadFile(c.Pkcs12Path)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "read PKCS#12 identity")
	}
	key, cert, err := pkcs12.Decode(der, c.Pkcs12Password)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "decode PKCS#12 identity")
	}
	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}
