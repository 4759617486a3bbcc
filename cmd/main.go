package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"calbook/internal/auth"
	"calbook/internal/availability"
	"calbook/internal/booking"
	"calbook/internal/caldav"
	"calbook/internal/config"
	"calbook/internal/google"
	"calbook/internal/models"
	"calbook/internal/provider"
	"calbook/internal/store"
	"calbook/internal/zoom"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calbook",
		Usage: "Compute availability and manage bookings across connected calendars.",
		Commands: []*cli.Command{
			authCommand(),
			calendarsCommand(),
			availabilityCommand(),
			bookCommand(),
			cancelCommand(),
			rescheduleCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// runtime bundles everything the commands share: config, store, token
// refresher, adapter registry and the engines built on top of them.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	tokens     *auth.TokenStore
	registry   *provider.Registry
	aggregator *availability.Aggregator
	engine     *booking.Engine
}

func newRuntime() (*runtime, error) {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.DatabasePath, err)
	}

	tokens := auth.NewTokenStore(logger, st, map[string]auth.Endpoint{
		zoom.Slug: {
			TokenURL:     zoom.TokenURL,
			ClientID:     cfg.Zoom.ClientID,
			ClientSecret: cfg.Zoom.ClientSecret,
		},
		google.Slug: {
			TokenURL:     google.TokenURL,
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
		},
	})

	registry := provider.NewRegistry(
		zoom.NewAdapter(logger, tokens, ""),
		google.NewAdapter(logger, tokens),
	)
	if cfg.CalDAV.Username != "" {
		cd, err := caldav.NewAdapter(logger, cfg.CalDAV.Endpoint, cfg.CalDAV.Username, cfg.CalDAV.Password, cfg.CalDAV.CalendarName)
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav adapter: %w", err)
		}
		registry.Register(cd)
	}

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		tokens:     tokens,
		registry:   registry,
		aggregator: availability.NewAggregator(logger, st, registry, cfg.AdapterTimeout),
		engine:     booking.NewEngine(logger, st, registry),
	}, nil
}

func (r *runtime) Close() {
	r.tokens.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Error("Failed to close store", "error", err)
	}
}

// validCredentials loads the user's connected integrations, skipping any that
// were marked invalid by a failed refresh.
func (r *runtime) validCredentials(ctx context.Context, userID int64) ([]*models.Credential, error) {
	all, err := r.store.CredentialsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	creds := make([]*models.Credential, 0, len(all))
	for _, cred := range all {
		if cred.Invalid {
			r.logger.Warn("Skipping invalidated credential; reconnect the account.", "provider", cred.Type, "credentialID", cred.ID)
			continue
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Connect a calendar or video account for a user.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Required: true, Usage: "Integration to connect: google, zoom or caldav."},
			&cli.Int64Flag{Name: "user", Required: true, Usage: "User the credential belongs to."},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			switch c.String("provider") {
			case "google":
				return oauthConnect(c.Context, rt, google.Slug, google.OAuthConfig(rt.cfg.Google.ClientID, rt.cfg.Google.ClientSecret), c.Int64("user"))
			case "zoom":
				return oauthConnect(c.Context, rt, zoom.Slug, zoom.OAuthConfig(rt.cfg.Zoom.ClientID, rt.cfg.Zoom.ClientSecret), c.Int64("user"))
			case "caldav":
				return caldavConnect(c.Context, rt, c.Int64("user"))
			default:
				return fmt.Errorf("unknown provider %q", c.String("provider"))
			}
		},
	}
}

// oauthConnect runs the auth-code flow and stores the resulting token as a
// credential for the user.
func oauthConnect(ctx context.Context, rt *runtime, slug string, conf *oauth2.Config, userID int64) error {
	rt.logger.Info("Starting authentication flow.", "provider", slug)

	authURL := conf.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser then type the "+
		"authorization code: \n%v\n", authURL)

	fmt.Print("Enter Authorization Code: ")
	reader := bufio.NewReader(os.Stdin)
	authCode, _ := reader.ReadString('\n')
	authCode = strings.TrimSpace(authCode)

	token, err := conf.Exchange(ctx, authCode)
	if err != nil {
		return fmt.Errorf("unable to retrieve token from web: %w", err)
	}

	cred := &models.Credential{
		UserID: userID,
		Type:   slug,
		Key: models.TokenKey{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			Expiry:       token.Expiry,
			TokenType:    token.TokenType,
		},
	}
	if err := rt.store.CreateCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	rt.logger.Info("Successfully connected account.", "provider", slug, "credentialID", cred.ID)
	return nil
}

// caldavConnect verifies the configured CalDAV account is reachable and
// records the connection. CalDAV uses the basic-auth settings from the
// environment rather than an OAuth token.
func caldavConnect(ctx context.Context, rt *runtime, userID int64) error {
	if rt.cfg.CalDAV.Username == "" {
		return fmt.Errorf("CALDAV_USERNAME not set; configure the CalDAV account first")
	}
	if _, err := rt.registry.Get(caldav.Slug); err != nil {
		return err
	}

	cred := &models.Credential{UserID: userID, Type: caldav.Slug}
	if err := rt.store.CreateCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	rt.logger.Info("Successfully connected account.", "provider", caldav.Slug, "credentialID", cred.ID)
	return nil
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "Manage which external calendars count towards busy time.",
		Subcommands: []*cli.Command{
			{
				Name:  "select",
				Usage: "Include an external calendar in busy-time lookups.",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "user", Required: true, Usage: "User the calendar belongs to."},
					&cli.StringFlag{Name: "integration", Required: true, Usage: "Provider slug, e.g. google_calendar."},
					&cli.StringFlag{Name: "id", Required: true, Usage: "Calendar ID on the provider."},
				},
				Action: func(c *cli.Context) error {
					rt, err := newRuntime()
					if err != nil {
						return err
					}
					defer rt.Close()

					sc := models.SelectedCalendar{
						UserID:      c.Int64("user"),
						Integration: c.String("integration"),
						ExternalID:  c.String("id"),
					}
					if err := rt.store.AddSelectedCalendar(c.Context, sc); err != nil {
						return err
					}
					fmt.Printf("Selected %s calendar %s for user %d\n", sc.Integration, sc.ExternalID, sc.UserID)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List the user's selected calendars.",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "user", Required: true, Usage: "User to list calendars for."},
				},
				Action: func(c *cli.Context) error {
					rt, err := newRuntime()
					if err != nil {
						return err
					}
					defer rt.Close()

					selected, err := rt.store.SelectedCalendarsForUser(c.Context, c.Int64("user"))
					if err != nil {
						return err
					}
					if len(selected) == 0 {
						fmt.Println("No calendars selected.")
						return nil
					}
					for _, sc := range selected {
						fmt.Printf("%s\t%s\n", sc.Integration, sc.ExternalID)
					}
					return nil
				},
			},
		},
	}
}

func availabilityCommand() *cli.Command {
	return &cli.Command{
		Name:  "availability",
		Usage: "Print the user's free slots over a date range.",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user", Required: true, Usage: "User to compute availability for."},
			&cli.StringFlag{Name: "from", Usage: "First day of the range (YYYY-MM-DD). Defaults to today."},
			&cli.IntFlag{Name: "days", Value: 7, Usage: "Number of days to cover."},
			&cli.IntFlag{Name: "duration", Value: 30, Usage: "Slot length in minutes."},
			&cli.Int64Flag{Name: "event-type", Usage: "Also count bookings of this event type as busy."},
			&cli.StringFlag{Name: "timezone", Value: "UTC", Usage: "Schedule time zone."},
			&cli.IntFlag{Name: "day-start", Value: 9 * 60, Usage: "Working window start, minutes from local midnight."},
			&cli.IntFlag{Name: "day-end", Value: 17 * 60, Usage: "Working window end, minutes from local midnight."},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			loc, err := time.LoadLocation(c.String("timezone"))
			if err != nil {
				return fmt.Errorf("invalid timezone %q: %w", c.String("timezone"), err)
			}
			from := time.Now().In(loc)
			if c.IsSet("from") {
				from, err = time.ParseInLocation("2006-01-02", c.String("from"), loc)
				if err != nil {
					return fmt.Errorf("invalid --from date: %w", err)
				}
			}
			start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
			end := start.AddDate(0, 0, c.Int("days"))

			userID := c.Int64("user")
			creds, err := rt.validCredentials(c.Context, userID)
			if err != nil {
				return fmt.Errorf("failed to load credentials: %w", err)
			}
			selected, err := rt.store.SelectedCalendarsForUser(c.Context, userID)
			if err != nil {
				return fmt.Errorf("failed to load selected calendars: %w", err)
			}

			busy, err := rt.aggregator.BusyTimes(c.Context, availability.BusyTimesParams{
				Credentials:       creds,
				UserID:            userID,
				EventTypeID:       c.Int64("event-type"),
				Start:             start,
				End:               end,
				SelectedCalendars: selected,
			})
			if err != nil {
				return fmt.Errorf("failed to aggregate busy times: %w", err)
			}

			schedule := models.Schedule{
				TimeZone: c.String("timezone"),
				Availability: []models.WorkingHours{{
					Days:        []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
					StartMinute: c.Int("day-start"),
					EndMinute:   c.Int("day-end"),
				}},
			}
			slots, err := availability.AvailableSlots(availability.SlotParams{
				Schedule:     schedule,
				SlotDuration: time.Duration(c.Int("duration")) * time.Minute,
				Start:        start,
				End:          end,
				Busy:         busy,
			})
			if err != nil {
				return fmt.Errorf("failed to compute slots: %w", err)
			}

			if len(slots) == 0 {
				fmt.Println("No free slots in the requested range.")
				return nil
			}
			for _, slot := range slots {
				s := slot.Start.In(loc)
				fmt.Printf("%s  %s - %s\n", s.Format("Mon 2006-01-02"), s.Format("15:04"), slot.End.In(loc).Format("15:04"))
			}
			return nil
		},
	}
}

func bookCommand() *cli.Command {
	return &cli.Command{
		Name:  "book",
		Usage: "Book a slot and create the meeting on every connected provider.",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user", Required: true, Usage: "Organizer user ID."},
			&cli.StringFlag{Name: "start", Required: true, Usage: "Slot start in RFC 3339, e.g. 2026-09-02T15:00:00Z."},
			&cli.IntFlag{Name: "duration", Value: 30, Usage: "Slot length in minutes."},
			&cli.StringFlag{Name: "title", Required: true, Usage: "Meeting title."},
			&cli.StringFlag{Name: "description", Usage: "Meeting description."},
			&cli.StringFlag{Name: "location", Usage: "Meeting location."},
			&cli.StringFlag{Name: "timezone", Value: "UTC", Usage: "Organizer time zone."},
			&cli.Int64Flag{Name: "event-type", Usage: "Event type the booking belongs to."},
			&cli.StringSliceFlag{Name: "attendee", Usage: "Attendee email; repeatable."},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			start, err := time.Parse(time.RFC3339, c.String("start"))
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			end := start.Add(time.Duration(c.Int("duration")) * time.Minute)

			creds, err := rt.validCredentials(c.Context, c.Int64("user"))
			if err != nil {
				return fmt.Errorf("failed to load credentials: %w", err)
			}
			var attendees []models.Attendee
			for _, email := range c.StringSlice("attendee") {
				attendees = append(attendees, models.Attendee{Email: email})
			}

			b, err := rt.engine.Book(c.Context, booking.Request{
				UserID:      c.Int64("user"),
				EventTypeID: c.Int64("event-type"),
				Title:       c.String("title"),
				Description: c.String("description"),
				Start:       start,
				End:         end,
				TimeZone:    c.String("timezone"),
				Attendees:   attendees,
				Location:    c.String("location"),
				Credentials: creds,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Booked %s: %s - %s (uid %s)\n", b.Title, b.StartTime.Format(time.RFC3339), b.EndTime.Format(time.RFC3339), b.UID)
			return nil
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:  "cancel",
		Usage: "Cancel a booking and delete its remote meetings.",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user", Required: true, Usage: "Organizer user ID."},
			&cli.StringFlag{Name: "uid", Required: true, Usage: "Booking UID to cancel."},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			creds, err := rt.validCredentials(c.Context, c.Int64("user"))
			if err != nil {
				return fmt.Errorf("failed to load credentials: %w", err)
			}
			if err := rt.engine.Cancel(c.Context, c.String("uid"), creds); err != nil {
				return err
			}

			fmt.Printf("Cancelled booking %s\n", c.String("uid"))
			return nil
		},
	}
}

func rescheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "reschedule",
		Usage: "Move a booking to a new slot and update its remote meetings.",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user", Required: true, Usage: "Organizer user ID."},
			&cli.StringFlag{Name: "uid", Required: true, Usage: "Booking UID to move."},
			&cli.StringFlag{Name: "start", Required: true, Usage: "New slot start in RFC 3339."},
			&cli.IntFlag{Name: "duration", Value: 30, Usage: "Slot length in minutes."},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			start, err := time.Parse(time.RFC3339, c.String("start"))
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			end := start.Add(time.Duration(c.Int("duration")) * time.Minute)

			creds, err := rt.validCredentials(c.Context, c.Int64("user"))
			if err != nil {
				return fmt.Errorf("failed to load credentials: %w", err)
			}
			b, err := rt.engine.Reschedule(c.Context, c.String("uid"), start, end, creds)
			if err != nil {
				return err
			}

			fmt.Printf("Rescheduled %s to %s - %s\n", b.UID, b.StartTime.Format(time.RFC3339), b.EndTime.Format(time.RFC3339))
			return nil
		},
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
