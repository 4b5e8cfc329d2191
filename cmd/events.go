/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/trackserver/trackserver/config"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/mq"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect location events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Log every location event published by the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		broker, err := mq.Open(cmd.Context(), cfg.MQ)
		if err != nil {
			return err
		}
		if broker == nil {
			return errors.New("no message queue backend configured (MQ_BACKEND)")
		}
		defer broker.Close()

		events := mq.NewEventPublisher(broker, cfg.MQ.Channel)
		err = events.SubscribeLocations(cmd.Context(), func(ctx context.Context, event mq.LocationEvent) error {
			logging.Info().
				Int64("user_id", event.UserID).
				Int64("track_id", event.TrackID).
				Int64("location_id", event.LocationID).
				Str("protocol", event.Protocol).
				Float64("lat", event.Latitude).
				Float64("lon", event.Longitude).
				Time("occurred", event.Occurred).
				Bool("hidden", event.Hidden).
				Msg("location")
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
