// inspect is the operator's window into the token store: dump a family
// tree, list a user's families, or revoke a family or user outright.
//
//	inspect -family <id>
//	inspect -user <id>
//	inspect -revoke -family <id> -reason admin_action -actor ops@example.com
//	inspect -revoke -user <id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/tokenkin/tokenkin/config"
	"github.com/tokenkin/tokenkin/engine"
	"github.com/tokenkin/tokenkin/hash"
	"github.com/tokenkin/tokenkin/notify"
	"github.com/tokenkin/tokenkin/policy"
	"github.com/tokenkin/tokenkin/store"
	"github.com/tokenkin/tokenkin/store/postgres"
	redisstore "github.com/tokenkin/tokenkin/store/redis"
	"github.com/tokenkin/tokenkin/token"
)

func main() {
	var (
		familyID = flag.String("family", "", "family id to inspect or revoke")
		userID   = flag.String("user", "", "user id to inspect or revoke")
		revoke   = flag.Bool("revoke", false, "revoke instead of inspect")
		reason   = flag.String("reason", string(token.ReasonAdminAction), "revocation reason")
		actor    = flag.String("actor", "admin", "who is revoking")
	)
	flag.Parse()

	if *familyID == "" && *userID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("config: %v", err)
	}
	ctx := context.Background()
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fatal("store: %v", err)
	}
	defer closeStore()

	if *revoke {
		eng, cleanup, err := buildEngine(cfg, st)
		if err != nil {
			fatal("engine: %v", err)
		}
		defer cleanup()
		var n int64
		if *familyID != "" {
			n, err = eng.RevokeFamily(ctx, *familyID, token.RevocationReason(*reason), *actor)
		} else {
			n, err = eng.RevokeUser(ctx, *userID, token.RevocationReason(*reason), *actor)
		}
		if err != nil {
			fatal("revoke: %v", err)
		}
		fmt.Printf("revoked %d record(s)\n", n)
		return
	}

	switch {
	case *familyID != "":
		if err := printFamily(ctx, st, *familyID); err != nil {
			fatal("inspect family: %v", err)
		}
	default:
		if err := printUser(ctx, st, *userID); err != nil {
			fatal("inspect user: %v", err)
		}
	}
}

func printFamily(ctx context.Context, st store.Repository, familyID string) error {
	fam, err := st.FindFamily(ctx, familyID)
	if err != nil {
		return err
	}
	if len(fam) == 0 {
		fmt.Println("family not found or empty")
		return nil
	}
	fmt.Printf("family %s: %d record(s), user %s\n\n", familyID, len(fam), fam[0].UserID)
	fmt.Printf("%-4s %-36s %-12s %-9s %-6s %s\n", "GEN", "TOKEN", "STATUS", "USES", "SCORE", "EXPIRES")
	for _, r := range fam {
		fmt.Printf("%-4d %-36s %-12s %d/%-7d %-6d %s\n",
			r.Generation, r.ID, r.Status,
			r.Usage.UseCount, r.Usage.MaxUses,
			r.Security.TheftDetection.SuspicionScore,
			r.Timestamps.ExpiresAt.Format("2006-01-02 15:04:05"))
		if r.Revocation != nil {
			fmt.Printf("     revoked by %s (%s) at %s\n",
				r.Revocation.RevokedBy, r.Revocation.Reason,
				r.Revocation.RevokedAt.Format("2006-01-02 15:04:05"))
		}
		if len(r.Security.TheftDetection.Indicators) > 0 {
			fmt.Printf("     indicators: %v\n", r.Security.TheftDetection.Indicators)
		}
	}
	return nil
}

func printUser(ctx context.Context, st store.Repository, userID string) error {
	fams, err := st.ListUserFamilies(ctx, userID)
	if err != nil {
		return err
	}
	if len(fams) == 0 {
		fmt.Println("no families for user")
		return nil
	}
	fmt.Printf("user %s: %d family(ies)\n\n", userID, len(fams))
	for _, famID := range fams {
		fam, err := st.FindFamily(ctx, famID)
		if err != nil {
			return err
		}
		byStatus := make(map[token.Status]int)
		for _, r := range fam {
			byStatus[r.Status]++
		}
		fmt.Printf("%-36s members=%d", famID, len(fam))
		for _, status := range []token.Status{
			token.StatusActive, token.StatusUsed, token.StatusRevoked,
			token.StatusExpired, token.StatusCompromised,
		} {
			if n := byStatus[status]; n > 0 {
				fmt.Printf(" %s=%d", status, n)
			}
		}
		fmt.Println()
	}
	return nil
}

func buildEngine(cfg *config.Config, st store.Repository) (*engine.Engine, func(), error) {
	var ev policy.Evaluator
	if cfg.ContainmentPolicy == "opa" {
		opa, err := policy.NewOPA(cfg.ContainmentRego)
		if err != nil {
			return nil, nil, err
		}
		ev = opa
	}

	var notifier notify.Notifier
	cleanup := func() {}
	if k := notify.NewKafka(cfg.KafkaBrokersList(), cfg.SecurityKafkaTopic); k != nil {
		notifier = k
		cleanup = func() { _ = k.Close() }
	}

	eng := engine.New(engine.Config{
		TokenTTL:          cfg.TTL(),
		GracePeriod:       cfg.GracePeriod(),
		GenerationCeiling: cfg.GenerationCeiling,
		SuspicionDecay:    cfg.SuspicionDecay,
	}, engine.Deps{
		Store:    st,
		Hasher:   hash.NewArgon2(uint32(cfg.Argon2Time), uint32(cfg.Argon2MemoryKiB), uint8(cfg.Argon2Threads)),
		Policy:   ev,
		Notifier: notifier,
		Logger:   zerolog.New(os.Stderr).Level(zerolog.WarnLevel),
	})
	return eng, cleanup, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Repository, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(db), func() { _ = db.Close() }, nil
	}
	if cfg.RedisAddr != "" {
		s, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, errors.New("set DATABASE_URL or REDIS_ADDR")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
