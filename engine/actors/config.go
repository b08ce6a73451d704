package actors

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"moltybet/engine/library"
)

var (
	ErrMissingRootSecret  = errors.New("configuration: privateKey (PRIVATE_KEY) is not set")
	ErrMissingCoordinator = errors.New("configuration: coordinatorURL (YELLOW_WS_URL) is not set")
)

const SandboxCoordinator string = "wss://clearnet-sandbox.yellow.com/ws"

// InitConfig sets up our Viper config object
func InitConfig(config *viper.Viper) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
	config.SetDefault("rootDir", homeDir+"/molty/")
	config.SetConfigType("yaml")
	config.SetConfigFile(config.GetString("rootDir") + "config.yaml")
	err = config.ReadInConfig()
	if err != nil {
		library.LogCLI(err.Error(), 4)
	}
	SetDefaults(config)
	// Create our working directory and config file if not exist
	initRootDir(config)
	library.Touch(config.GetString("rootDir") + "config.yaml")
	err = config.WriteConfig()
	if err != nil {
		library.LogCLI(err.Error(), 1)
	}
	// secrets come from the environment and are bound after the write so they never land on disk
	BindEnv(config)
	library.SetLogLevel(config.GetInt("logLevel"))
}

// SetDefaults installs every default the engine relies on.
func SetDefaults(config *viper.Viper) {
	config.SetDefault("stateFile", config.GetString("rootDir")+"state.json")
	config.SetDefault("logLevel", 4)
	config.SetDefault("listenAddr", ":3999")
	config.SetDefault("coordinatorURL", SandboxCoordinator)
	config.SetDefault("rpcURL", "https://rpc.sepolia.org")
	config.SetDefault("application", "molty-prediction")
	config.SetDefault("scope", "molty.app")
	config.SetDefault("protocol", "NitroRPC/0.2")
	config.SetDefault("allowanceAmount", "1000000000")
	config.SetDefault("authExpirySeconds", 7200)
	config.SetDefault("dialTimeout", 10*time.Second)
	config.SetDefault("challengeTimeout", 15*time.Second)
	config.SetDefault("verifyTimeout", 15*time.Second)
	config.SetDefault("openTimeout", 15*time.Second)
	config.SetDefault("submitTimeout", 8*time.Second)
	config.SetDefault("closeTimeout", 12*time.Second)
	config.SetDefault("queryTimeout", 10*time.Second)
	config.SetDefault("settlementPollInterval", 2*time.Second)
	config.SetDefault("settlementWait", 30*time.Second)
	config.SetDefault("defaultAsset", "ETHUSD")
	config.SetDefault("defaultAmount", "1000000")
	config.SetDefault("multiplier", "2.0")
	config.SetDefault("expirySeconds", 86400)
	config.SetDefault("storkURL", "https://rest.jp.stork-oracle.network")
	config.SetDefault("coingeckoURL", "https://api.coingecko.com/api/v3/simple/price")
	config.SetDefault("relays", []string{})
	config.SetDefault("custodyAddress", "")
	config.SetDefault("tokenAddress", "")
}

// BindEnv maps the deployment's environment variables onto config keys.
func BindEnv(config *viper.Viper) {
	_ = config.BindEnv("privateKey", "PRIVATE_KEY")
	_ = config.BindEnv("coordinatorURL", "YELLOW_WS_URL")
	_ = config.BindEnv("rpcURL", "RPC_URL")
	_ = config.BindEnv("storkAPIKey", "STORK_API_KEY")
	_ = config.BindEnv("statePassphrase", "STATE_PASSPHRASE")
	_ = config.BindEnv("stateFile", "STATE_FILE")
	_ = config.BindEnv("defaultAsset", "DEFAULT_ASSET")
	_ = config.BindEnv("defaultAmount", "DEFAULT_AMOUNT")
	if port := os.Getenv("PORT"); port != "" {
		config.Set("listenAddr", ":"+port)
	}
}

// Validate fails fast on configuration that would otherwise only surface after a network attempt.
func Validate(config *viper.Viper) error {
	if strings.TrimSpace(config.GetString("privateKey")) == "" {
		return ErrMissingRootSecret
	}
	if strings.TrimSpace(config.GetString("coordinatorURL")) == "" {
		return ErrMissingCoordinator
	}
	return nil
}

// IsProduction reports whether url points at the production coordinator rather than the sandbox.
func IsProduction(url string) bool {
	return strings.Contains(url, "clearnet.yellow.com") && !strings.Contains(url, "sandbox")
}

// LedgerAsset is the coordinator asset symbol bets are denominated in.
func LedgerAsset(config *viper.Viper) library.Asset {
	if IsProduction(config.GetString("coordinatorURL")) {
		return "usdc"
	}
	return "ytest.usd"
}

func initRootDir(conf *viper.Viper) {
	_, err := os.Stat(conf.GetString("rootDir"))
	if os.IsNotExist(err) {
		err = os.MkdirAll(conf.GetString("rootDir"), 0755)
		if err != nil {
			library.LogCLI(err, 0)
		}
	}
}

var conf *viper.Viper

func MakeOrGetConfig() *viper.Viper {
	return conf
}

func SetConfig(config *viper.Viper) {
	conf = config
}
