package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"tg-giveaway-farmer/internal/adapters/mtproto"
	"tg-giveaway-farmer/internal/adapters/repo"
	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/config"
	"tg-giveaway-farmer/internal/infra/db"
)

func main() {
	var (
		filePath    string
		sessionName string
		pool        string
		apiID       int
		apiHash     string
		phone       string
	)
	flag.StringVar(&filePath, "file", "", "Path to Telethon or gotd session file")
	flag.StringVar(&sessionName, "name", "", "Account name the session belongs to")
	flag.StringVar(&pool, "pool", "", "Account pool (defaults to MTPROTO_ACCOUNT_POOL)")
	flag.IntVar(&apiID, "api-id", 0, "Telegram api_id; registers the account when set")
	flag.StringVar(&apiHash, "api-hash", "", "Telegram api_hash")
	flag.StringVar(&phone, "phone", "", "Account phone number")
	flag.Parse()

	if filePath == "" || sessionName == "" {
		log.Fatal().Msg("session-importer: -file and -name are required")
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("session-importer: failed to read session file")
	}
	normalized, source, err := mtproto.NormalizeSession(raw)
	if err != nil {
		log.Fatal().Err(err).Msg("session-importer: unsupported MTProto session format")
	}

	cfg := config.Load()
	if cfg.PGDSN == "" {
		log.Fatal().Msg("session-importer: PG_DSN environment variable is required")
	}
	if pool == "" {
		pool = cfg.MTProto.AccountPool
	}

	conn, err := db.Connect(cfg.PGDSN, 2)
	if err != nil {
		log.Fatal().Err(err).Msg("session-importer: failed to connect to database")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("session-importer: failed to apply schema")
	}

	store := repo.NewPostgres(conn, cfg.Ledger())
	if apiID != 0 {
		err := store.UpsertAccount(ctx, domain.Account{
			Name:    sessionName,
			Pool:    pool,
			APIID:   apiID,
			APIHash: apiHash,
			Phone:   phone,
			RawJSON: accountJSON(raw, source),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("session-importer: failed to register account")
		}
		fmt.Printf("Registered account %q in pool %q\n", sessionName, pool)
	}
	if err := store.StoreMTProtoSession(ctx, sessionName, normalized); err != nil {
		log.Fatal().Err(err).Msg("session-importer: failed to store session in database")
	}

	if source != mtproto.SourceGotd {
		fmt.Printf("Session was converted from %s to gotd JSON format before storing\n", source)
	}
	fmt.Printf("Stored MTProto session %q (%d bytes) in database\n", sessionName, len(normalized))
}

// accountJSON сохраняет исходный JSON аккаунта Telethon рядом с записью аккаунта.
func accountJSON(raw []byte, source mtproto.SessionSource) []byte {
	if source == mtproto.SourceTelethonAccount {
		return raw
	}
	return nil
}
