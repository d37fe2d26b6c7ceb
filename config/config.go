package config

import (
	"flag"
	"io/ioutil"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/caarlos0/env"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"
	"github.com/torusresearch/bijson"

	"github.com/torusresearch/peg-signer/secp256k1"
)

var (
	logLevelMap = map[string]logging.Level{
		"panic": logging.PanicLevel,
		"fatal": logging.FatalLevel,
		"error": logging.ErrorLevel,
		"warn":  logging.WarnLevel,
		"info":  logging.InfoLevel,
		"debug": logging.DebugLevel,
		"trace": logging.TraceLevel,
	}

	networkMap = map[string]*chaincfg.Params{
		"mainnet": &chaincfg.MainNetParams,
		"testnet": &chaincfg.TestNet3Params,
		"regtest": &chaincfg.RegressionNetParams,
	}
)

// Roster sources.
const (
	RosterFromConfig = "config"
	RosterFromStacks = "stacks"
)

// SignerConfig is one roster entry. Signer ids are the 1-based position in the list.
type SignerConfig struct {
	PublicKey string   `json:"publicKey"`
	KeyIDs    []uint32 `json:"keyIds"`
}

type Config struct {
	LogLevel string `json:"loglevel" env:"LOG_LEVEL"`
	Network  string `json:"network" env:"NETWORK"`

	StacksNodeRPCURL    string `json:"stacksNodeRPCURL" env:"STACKS_NODE_RPC_URL"`
	BitcoinNodeRPCURL   string `json:"bitcoinNodeRPCURL" env:"BITCOIN_NODE_RPC_URL"`
	ContractAddress     string `json:"contractAddress" env:"CONTRACT_ADDRESS"`
	ContractName        string `json:"contractName" env:"CONTRACT_NAME"`
	StacksSenderAddress string `json:"stacksSenderAddress" env:"STACKS_SENDER_ADDRESS"`
	TransactionFee      int64  `json:"transactionFee" env:"TRANSACTION_FEE"`

	// StacksTransactionFee is paid in microstacks by contract calls of the coordinator.
	StacksTransactionFee uint64 `json:"stacksTransactionFee" env:"STACKS_TRANSACTION_FEE"`

	// Key material roster
	RosterSource         string         `json:"rosterSource" env:"ROSTER_SOURCE"`
	KeysThreshold        uint32         `json:"keysThreshold" env:"KEYS_THRESHOLD"`
	NetworkPrivateKey    string         `json:"networkPrivateKey" env:"NETWORK_PRIVATE_KEY"`
	CoordinatorPublicKey string         `json:"coordinatorPublicKey" env:"COORDINATOR_PUBLIC_KEY"`
	Signers              []SignerConfig `json:"signers"`
	SignerID             uint32         `json:"signerID" env:"SIGNER_ID"`

	P2PListenAddress string   `json:"p2plistenaddress" env:"P2P_LISTEN_ADDRESS"`
	P2PPeers         []string `json:"p2ppeers" env:"P2P_PEERS" envSeparator:","`
	MetricsAddress   string   `json:"metricsAddress" env:"METRICS_ADDRESS"`
	DatabasePath     string   `json:"databasePath" env:"DATABASE_PATH"`

	RoundTimeoutSeconds int  `json:"roundTimeoutSeconds" env:"ROUND_TIMEOUT_SECONDS"`
	MaxNonceAttempts    int  `json:"maxNonceAttempts" env:"MAX_NONCE_ATTEMPTS"`
	BroadcastAttempts   int  `json:"broadcastAttempts" env:"BROADCAST_ATTEMPTS"`
	AllowRawMessages    bool `json:"allowRawMessages" env:"ALLOW_RAW_MESSAGES"`
}

func DefaultConfigSettings() Config {
	return Config{
		LogLevel:             "info",
		Network:              "regtest",
		RosterSource:         RosterFromConfig,
		P2PListenAddress:     "/ip4/0.0.0.0/tcp/1080",
		MetricsAddress:       ":8080",
		DatabasePath:         "peg-signer.db",
		TransactionFee:       2000,
		StacksTransactionFee: 2000,
		RoundTimeoutSeconds:  30,
		MaxNonceAttempts:     8,
		BroadcastAttempts:    5,
	}
}

// flagValues holds what was parsed from the command line.
type flagValues struct {
	set        *flag.FlagSet
	configPath *string
	logLevel   *string
	network    *string
	signerID   *uint
	p2pListen  *string
	metrics    *string
	database   *string
}

func parseFlags(args []string) (*flagValues, error) {
	set := flag.NewFlagSet("peg-signer", flag.ContinueOnError)
	f := &flagValues{
		set:        set,
		configPath: set.String("configPath", "", "override configPath"),
		logLevel:   set.String("loglevel", "", "log level: trace, debug, info, warn, error"),
		network:    set.String("network", "", "bitcoin network: mainnet, testnet, regtest"),
		signerID:   set.Uint("signerID", 0, "this signer's 1-based id in the roster"),
		p2pListen:  set.String("p2pListenAddress", "", "libp2p listen multiaddress"),
		metrics:    set.String("metricsAddress", "", "prometheus listen address"),
		database:   set.String("databasePath", "", "sqlite database path"),
	}
	if err := set.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *flagValues) isPassed(name string) bool {
	found := false
	f.set.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			found = true
		}
	})
	return found
}

// mergeWithFlags overrides c with every flag explicitly passed. Defaults never override.
func (c *Config) mergeWithFlags(f *flagValues) {
	if f.isPassed("loglevel") {
		c.LogLevel = *f.logLevel
	}
	if f.isPassed("network") {
		c.Network = *f.network
	}
	if f.isPassed("signerID") {
		c.SignerID = uint32(*f.signerID)
	}
	if f.isPassed("p2pListenAddress") {
		c.P2PListenAddress = *f.p2pListen
	}
	if f.isPassed("metricsAddress") {
		c.MetricsAddress = *f.metrics
	}
	if f.isPassed("databasePath") {
		c.DatabasePath = *f.database
	}
}

func readAndMarshallJSONConfig(configPath string, c *Config) error {
	jsonConfig, err := os.Open(configPath)
	if err != nil {
		return err
	}
	defer jsonConfig.Close()

	b, err := ioutil.ReadAll(jsonConfig)
	if err != nil {
		return err
	}
	return bijson.Unmarshal(b, c)
}

// LoadConfig layers defaults, the JSON file, environment variables and finally flags,
// then validates the result. Any returned error is fatal to startup.
func LoadConfig(configPath string, args []string) (*Config, error) {
	conf := DefaultConfigSettings()
	flags, err := parseFlags(args)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse flags")
	}
	if *flags.configPath != "" {
		logging.WithField("configPath", *flags.configPath).Info("overriding configPath")
		configPath = *flags.configPath
	}

	if configPath != "" {
		if err := readAndMarshallJSONConfig(configPath, &conf); err != nil {
			return nil, errors.Wrapf(err, "failed to read JSON config %s", configPath)
		}
	}

	if err := env.Parse(&conf); err != nil {
		return nil, errors.Wrap(err, "could not parse environment")
	}

	conf.mergeWithFlags(flags)

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	logging.SetLevel(logLevelMap[conf.LogLevel])

	redacted := conf
	redacted.NetworkPrivateKey = ""
	bytConf, _ := bijson.Marshal(redacted)
	logging.WithField("finalConfiguration", string(bytConf)).Info("configuration loaded")
	return &conf, nil
}

// ChainParams resolves the configured bitcoin network.
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	params, ok := networkMap[c.Network]
	if !ok {
		return nil, newError(InvalidNetwork, "network", nil)
	}
	return params, nil
}

func (c *Config) RoundTimeout() time.Duration {
	return time.Duration(c.RoundTimeoutSeconds) * time.Second
}

// NetworkKey is the key envelopes are signed with and the libp2p identity.
func (c *Config) NetworkKey() (*btcec.PrivateKey, error) {
	priv, err := secp256k1.ParsePrivateKeyHex(c.NetworkPrivateKey)
	if err != nil {
		return nil, newError(InvalidNetworkPrivateKey, "networkPrivateKey", err)
	}
	return priv, nil
}

func (c *Config) Coordinator() (*btcec.PublicKey, error) {
	pub, err := secp256k1.ParsePublicKeyHex(c.CoordinatorPublicKey)
	if err != nil {
		return nil, newError(InvalidPublicKey, "coordinatorPublicKey", err)
	}
	return pub, nil
}
