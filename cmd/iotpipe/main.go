// Command iotpipe boots the full ingest-to-history pipeline: an inbound
// broker subscription that feeds dispatch.GlobalState, a warehouse and
// warm-KV store behind it, and two HTTP listeners (internal and
// external) serving the /comp-* history API -- translated from
// cmd/iot-device-mgmt/main.go's boot sequence and generalized to
// iotpipe's two-listener, broker-driven shape.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/diwise/iotpipe/internal/pkg/application/compilequeue"
	"github.com/diwise/iotpipe/internal/pkg/application/dispatch"
	"github.com/diwise/iotpipe/internal/pkg/application/notify"
	"github.com/diwise/iotpipe/internal/pkg/infrastructure/broker"
	"github.com/diwise/iotpipe/internal/pkg/infrastructure/configsource"
	"github.com/diwise/iotpipe/internal/pkg/infrastructure/router"
	"github.com/diwise/iotpipe/internal/pkg/infrastructure/warehouse"
	"github.com/diwise/iotpipe/internal/pkg/infrastructure/warmkv"
	"github.com/diwise/iotpipe/internal/pkg/presentation/api"
	"github.com/diwise/iotpipe/internal/pkg/presentation/api/auth"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/rs/zerolog"
)

const serviceName string = "iotpipe"

// defaultTopics mirrors the original service's topic-filter set: every
// device data/control publish plus the one out-of-band hardware config
// invalidation signal.
var defaultTopics = []string{"data/#", "control/#", "apiserver/hwcfg-change"}

func main() {
	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion)
	defer cleanup()

	internalPort := fmt.Sprintf(":%s", env.GetVariableOrDefault(logger, "SERVICE_PORT", "8080"))
	externalPort := fmt.Sprintf(":%s", env.GetVariableOrDefault(logger, "EXTERNAL_SERVICE_PORT", "8081"))
	apiserverInternalAPI := env.GetVariableOrDefault(logger, "APISERVER_INTERNAL_API", "http://localhost:8082")
	refreshInterval := durationOrDefault(logger, "CONFIG_REFRESH_INTERVAL", time.Hour)
	warmKVURL := env.GetVariableOrDefault(logger, "WARMKV_URL", "redis://localhost:6379/0")
	warmKVPrefix := env.GetVariableOrDefault(logger, "WARMKV_PREFIX", "iotpipe:l1:")
	externalToken := env.GetVariableOrDefault(logger, "EXTERNAL_REQUESTS_TOKEN", "")
	policyPath := env.GetVariableOrDefault(logger, "AUTHZ_POLICY_FILE", "")
	tableMode := warehouse.Mode(env.GetVariableOrDefault(logger, "WAREHOUSE_TABLE_MODE", string(warehouse.ModeDevType)))
	tableLiteral := env.GetVariableOrDefault(logger, "WAREHOUSE_TABLE_LITERAL", "")
	notifyConfigPath := env.GetVariableOrDefault(logger, "HWCFG_NOTIFY_CONFIG", "")
	topics := topicsOrDefault(logger)

	wh := setupWarehouseOrDie(logger, tableMode, tableLiteral)
	kv := setupWarmKVOrDie(logger, warmKVURL, warmKVPrefix)
	messenger := setupMessagingOrDie(serviceName, logger)

	queue := compilequeue.New(4, logger)
	defer queue.Stop()

	source := configsource.New(apiserverInternalAPI, logger)

	global, err := dispatch.New(ctx, source, refreshInterval, kv, wh, queue, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to bootstrap dispatch state")
		os.Exit(2)
	}
	defer global.Stop()

	global.SetNotifier(notify.New(loadNotifyConfig(logger, notifyConfigPath), logger))

	broker.Register(messenger, topics, global, logger)

	authenticator := setupAuthenticatorOrDie(ctx, logger, policyPath, externalToken)

	deps := api.Dependencies{Dispatch: global, Warehouse: wh, Auth: authenticator}

	internalRouter := router.New(serviceName)
	api.RegisterHandlers(logger, internalRouter, deps, true)

	externalRouter := router.New(serviceName)
	api.RegisterHandlers(logger, externalRouter, deps, false)

	errs := make(chan error, 2)
	go func() {
		logger.Info().Str("port", internalPort).Msg("starting internal listener")
		errs <- http.ListenAndServe(internalPort, internalRouter)
	}()
	go func() {
		logger.Info().Str("port", externalPort).Msg("starting external listener")
		errs <- http.ListenAndServe(externalPort, externalRouter)
	}()

	if err := <-errs; err != nil {
		logger.Fatal().Err(err).Msg("a listener failed")
	}
}

func durationOrDefault(logger zerolog.Logger, name string, fallback time.Duration) time.Duration {
	raw := env.GetVariableOrDefault(logger, name, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.Fatal().Err(err).Str("variable", name).Msg("invalid duration")
	}
	return d
}

func topicsOrDefault(logger zerolog.Logger) []string {
	raw := env.GetVariableOrDefault(logger, "BROKER_TOPICS", "")
	if raw == "" {
		return defaultTopics
	}
	parts := strings.Split(raw, ",")
	topics := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			topics = append(topics, p)
		}
	}
	return topics
}

func setupWarehouseOrDie(logger zerolog.Logger, mode warehouse.Mode, literal string) *warehouse.Client {
	var connect warehouse.ConnectorFunc

	if os.Getenv("WAREHOUSE_SQLDB_HOST") != "" {
		connect = warehouse.NewPostgreSQLConnector(logger)
	} else {
		logger.Info().Msg("no warehouse database configured, using builtin sqlite instead")
		connect = warehouse.NewSQLiteConnector(logger)
	}

	onDiscard := func() {
		logger.Warn().Msg("warehouse insert buffer full, dropping row")
	}

	wh, err := warehouse.New(connect, mode, literal, onDiscard)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open warehouse")
	}
	return wh
}

func setupWarmKVOrDie(logger zerolog.Logger, url, prefix string) *warmkv.Client {
	kv, err := warmkv.New(url, prefix, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to warm KV store")
	}
	return kv
}

// loadNotifyConfig loads the optional hwcfg-change notification
// subscriber list, matching cmd/iot-device-mgmt/main.go's
// loadEventSenderConfig: a missing file means no subscribers
// configured, anything else wrong with it is fatal.
func loadNotifyConfig(logger zerolog.Logger, path string) *notify.Config {
	if path == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		logger.Fatal().Err(err).Msgf("failed to open configuration file %s", path)
	}
	defer f.Close()

	cfg, err := notify.LoadConfiguration(f)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load hwcfg-change notification configuration")
	}
	return cfg
}

func setupMessagingOrDie(serviceName string, logger zerolog.Logger) messaging.MsgContext {
	config := messaging.LoadConfiguration(serviceName, logger)
	messenger, err := messaging.Initialize(config)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init messenger")
	}
	return messenger
}

// setupAuthenticatorOrDie loads the authz policy from policyPath if
// configured, falling back to auth.DefaultPolicy the way
// cmd/iot-device-mgmt/main.go fails fast on a missing/unreadable
// policy file it was explicitly pointed at, but tolerates no file
// being configured at all.
func setupAuthenticatorOrDie(ctx context.Context, logger zerolog.Logger, policyPath, secret string) *auth.Authenticator {
	var policies = strings.NewReader(auth.DefaultPolicy)

	if policyPath != "" {
		f, err := os.Open(policyPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("unable to open authz policy file")
		}
		defer f.Close()

		authenticator, err := auth.NewAuthenticator(ctx, f, secret)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to compile authz policy")
		}
		return authenticator
	}

	authenticator, err := auth.NewAuthenticator(ctx, policies, secret)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to compile default authz policy")
	}
	return authenticator
}
