package config

import (
	"fmt"
	"net/url"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/secp256k1"
)

// ErrorKind classifies configuration errors. All of them are fatal at startup.
type ErrorKind string

const (
	InvalidPublicKey         ErrorKind = "invalid public key"
	InvalidNetworkPrivateKey ErrorKind = "invalid network private key"
	InvalidKeyID             ErrorKind = "invalid key id"
	InvalidThreshold         ErrorKind = "invalid threshold"
	InvalidConfigURL         ErrorKind = "invalid url"
	InvalidNetwork           ErrorKind = "invalid network"
	InvalidContract          ErrorKind = "invalid contract"
	InvalidSignerID          ErrorKind = "invalid signer id"
	InvalidLogLevel          ErrorKind = "invalid log level"
	InvalidRosterSource      ErrorKind = "invalid roster source"
)

type Error struct {
	Kind  ErrorKind
	Field string
	Cause error
}

func newError(kind ErrorKind, field string, cause error) *Error {
	return &Error{Kind: kind, Field: field, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config: %s in %s: %v", e.Kind, e.Field, e.Cause)
	}
	return fmt.Sprintf("config: %s in %s", e.Kind, e.Field)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func validateURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return newError(InvalidConfigURL, field, err)
	}
	return nil
}

// Validate checks everything that can be checked without touching the network.
func (c *Config) Validate() error {
	if _, ok := logLevelMap[c.LogLevel]; !ok {
		return newError(InvalidLogLevel, "loglevel", nil)
	}
	if _, err := c.ChainParams(); err != nil {
		return err
	}
	if err := validateURL("stacksNodeRPCURL", c.StacksNodeRPCURL); err != nil {
		return err
	}
	if err := validateURL("bitcoinNodeRPCURL", c.BitcoinNodeRPCURL); err != nil {
		return err
	}
	if c.NetworkPrivateKey != "" {
		if _, err := c.NetworkKey(); err != nil {
			return err
		}
	}

	switch c.RosterSource {
	case RosterFromConfig:
		return c.validateRoster()
	case RosterFromStacks:
		if c.StacksNodeRPCURL == "" {
			return newError(InvalidConfigURL, "stacksNodeRPCURL", nil)
		}
		if c.ContractAddress == "" || c.ContractName == "" {
			return newError(InvalidContract, "contractAddress", nil)
		}
		return nil
	default:
		return newError(InvalidRosterSource, "rosterSource", nil)
	}
}

func (c *Config) validateRoster() error {
	if c.CoordinatorPublicKey != "" {
		if _, err := c.Coordinator(); err != nil {
			return err
		}
	}
	var all []common.KeyID
	for i, s := range c.Signers {
		field := fmt.Sprintf("signers[%d]", i)
		if _, err := secp256k1.ParsePublicKeyHex(s.PublicKey); err != nil {
			return newError(InvalidPublicKey, field, err)
		}
		if len(s.KeyIDs) == 0 {
			return newError(InvalidKeyID, field, fmt.Errorf("signer owns no key ids"))
		}
		for _, id := range s.KeyIDs {
			all = append(all, common.KeyID(id))
		}
	}
	if err := common.ValidateKeyIDs(all); err != nil {
		return newError(InvalidKeyID, "signers", err)
	}
	if c.KeysThreshold == 0 || int(c.KeysThreshold) > len(all) {
		return newError(InvalidThreshold, "keysThreshold", fmt.Errorf("threshold %d with %d keys", c.KeysThreshold, len(all)))
	}
	if c.SignerID > uint32(len(c.Signers)) {
		return newError(InvalidSignerID, "signerID", nil)
	}
	return nil
}
