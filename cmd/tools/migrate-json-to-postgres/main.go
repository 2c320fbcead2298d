// Command migrate-json-to-postgres copies channels, simulcast targets, and
// clips from a JSON snapshot datastore into Postgres. Stream sessions are
// runtime state and are not migrated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"streamcast/internal/storage"
)

func main() {
	_ = godotenv.Load()

	dataPath := flag.String("data", "data/store.json", "path to the JSON datastore snapshot")
	dsn := flag.String("postgres-dsn", "", "Postgres connection string (defaults to STREAMCAST_POSTGRES_DSN)")
	flag.Parse()

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv("STREAMCAST_POSTGRES_DSN"))
	}
	if target == "" {
		target = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if target == "" {
		fmt.Fprintln(os.Stderr, "a Postgres DSN is required")
		os.Exit(1)
	}

	if err := run(*dataPath, target); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
}

func run(dataPath, dsn string) error {
	source, err := storage.NewMemory(dataPath)
	if err != nil {
		return fmt.Errorf("open snapshot %s: %w", dataPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dest, err := storage.NewPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer dest.Close(ctx)

	channels := source.ListChannels()
	var migratedTargets, migratedClips int
	// Channel IDs and stream keys change across the copy; CreateChannel mints
	// fresh ones. The mapping keeps child rows attached.
	idMap := make(map[string]string, len(channels))
	for _, channel := range channels {
		created, err := dest.CreateChannel(channel.Title, channel.Category, channel.Tags)
		if err != nil {
			return fmt.Errorf("migrate channel %s: %w", channel.ID, err)
		}
		idMap[channel.ID] = created.ID

		for _, target := range source.ListSimulcastTargets(channel.ID) {
			_, err := dest.PutSimulcastTarget(created.ID, storage.TargetParams{
				Platform:     target.Platform,
				RTMPURL:      target.RTMPURL,
				StreamKey:    target.StreamKey,
				VideoBitrate: target.VideoBitrate,
				AudioBitrate: target.AudioBitrate,
				Resolution:   target.Resolution,
				Enabled:      target.Enabled,
			})
			if err != nil {
				return fmt.Errorf("migrate target %s: %w", target.ID, err)
			}
			migratedTargets++
		}

		for _, clip := range source.ListClips(channel.ID) {
			_, err := dest.CreateClip(storage.ClipParams{
				ChannelID:     created.ID,
				Title:         clip.Title,
				SourceKey:     clip.SourceKey,
				DurationSec:   clip.DurationSec,
				FilePath:      clip.FilePath,
				ThumbnailPath: clip.ThumbnailPath,
			})
			if err != nil {
				return fmt.Errorf("migrate clip %s: %w", clip.ID, err)
			}
			migratedClips++
		}
	}

	fmt.Printf("migrated %d channels, %d simulcast targets, %d clips\n",
		len(idMap), migratedTargets, migratedClips)
	fmt.Println("note: stream keys were re-generated; publishers need the new keys")
	return nil
}
