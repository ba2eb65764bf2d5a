package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
	"github.com/kimhsiao/wellnest/backend/internal/models"
)

func printRecord(cmd *cobra.Command, opts *rootOptions, table models.Table, rec *models.Record) error {
	return output(cmd, opts, rec, func() {
		printf(cmd, "Saved %s %s (queued for sync)\n", strings.TrimSuffix(string(table), "s"), rec.ClientID)
	})
}

// =====================================================
// Entity commands
// =====================================================

func newJournalCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "journal", Short: "Journal entries", GroupID: "record"}

	var j models.Journal
	add := &cobra.Command{
		Use:   "add",
		Short: "Write a journal entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.requireUser(); err != nil {
					return err
				}
				rec, err := a.recorder.CreateJournal(ctx, j)
				if err != nil {
					return err
				}
				return printRecord(cmd, opts, models.TableJournals, rec)
			})
		},
	}
	add.Flags().StringVar(&j.Title, "title", "", "entry title")
	add.Flags().StringVar(&j.Content, "content", "", "entry body")
	add.Flags().StringVar(&j.Mood, "mood", "", "mood label")
	add.Flags().StringSliceVar(&j.Tags, "tag", nil, "tag (repeatable)")

	cmd.AddCommand(add, newListCmd(opts, models.TableJournals))
	return cmd
}

func newCheckinCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "checkin", Short: "Emotional check-ins", GroupID: "record"}

	var c models.Checkin
	add := &cobra.Command{
		Use:   "add",
		Short: "Record how you feel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.requireUser(); err != nil {
					return err
				}
				rec, err := a.recorder.CreateCheckin(ctx, c)
				if err != nil {
					return err
				}
				return printRecord(cmd, opts, models.TableCheckins, rec)
			})
		},
	}
	add.Flags().StringVar(&c.Emotion, "emotion", "", "emotion name")
	add.Flags().IntVar(&c.Intensity, "intensity", 5, "intensity from 1 to 10")
	add.Flags().StringVar(&c.Note, "note", "", "optional note")

	cmd.AddCommand(add, newListCmd(opts, models.TableCheckins))
	return cmd
}

func newMeditationCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "meditation", Short: "Meditation sessions", GroupID: "record"}

	var m models.MeditationSession
	add := &cobra.Command{
		Use:   "add",
		Short: "Record a meditation session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.requireUser(); err != nil {
					return err
				}
				rec, err := a.recorder.RecordMeditation(ctx, m)
				if err != nil {
					return err
				}
				return printRecord(cmd, opts, models.TableMeditations, rec)
			})
		},
	}
	add.Flags().StringVar(&m.ModuleID, "module", "", "meditation module id")
	add.Flags().IntVar(&m.DurationSeconds, "duration", 0, "duration in seconds")
	add.Flags().BoolVar(&m.Completed, "completed", true, "whether the session was completed")

	cmd.AddCommand(add, newListCmd(opts, models.TableMeditations))
	return cmd
}

func newNoteCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "note", Short: "Private notes (kept on this device)", GroupID: "record"}

	add := &cobra.Command{
		Use:   "add <text>",
		Short: "Write a note",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.requireUser(); err != nil {
					return err
				}
				rec, err := a.recorder.CreateNote(ctx, models.Note{Body: strings.Join(args, " ")})
				if err != nil {
					return err
				}
				return printRecord(cmd, opts, models.TableNotes, rec)
			})
		},
	}

	cmd.AddCommand(add, newListCmd(opts, models.TableNotes))
	return cmd
}

func newProfileCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "profile", Short: "User profile", GroupID: "record"}

	var p models.Profile
	set := &cobra.Command{
		Use:   "set",
		Short: "Create or update the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.requireUser(); err != nil {
					return err
				}
				rec, err := a.recorder.SaveProfile(ctx, p)
				if err != nil {
					return err
				}
				return printRecord(cmd, opts, models.TableProfiles, rec)
			})
		},
	}
	set.Flags().StringVar(&p.DisplayName, "name", "", "display name")
	set.Flags().StringVar(&p.AvatarURL, "avatar", "", "avatar URL")
	set.Flags().StringVar(&p.Timezone, "timezone", "", "IANA timezone")

	cmd.AddCommand(set, newListCmd(opts, models.TableProfiles))
	return cmd
}

func newListCmd(opts *rootOptions, table models.Table) *cobra.Command {
	var limit int
	var deleted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List " + string(table),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				records, err := a.store.List(ctx, table, a.cfg.UserID, deleted, limit)
				if err != nil {
					return err
				}
				return output(cmd, opts, records, func() {
					for _, r := range records {
						state := "pending"
						if r.Synced {
							state = "synced"
						}
						if r.Deleted {
							state += ", deleted"
						}
						data, _ := json.Marshal(r.Data)
						printf(cmd, "%s  [%s]  %s\n", r.ClientID, state, data)
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records")
	cmd.Flags().BoolVar(&deleted, "deleted", false, "include deleted records")
	return cmd
}

// =====================================================
// Generic update / delete
// =====================================================

func newRecordCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "record", Short: "Update or delete any record", GroupID: "record"}

	update := &cobra.Command{
		Use:   "update <table> <client-id> key=value...",
		Short: "Change fields of a record",
		Long: `Change fields of a record and queue the change.

Values are parsed as JSON when they parse, and taken as strings otherwise:
  wellnest record update checkins 1729-ab intensity=4 note="better now"`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseAssignments(args[2:])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rec, err := a.recorder.Update(ctx, models.Table(args[0]), args[1], fields)
				if err != nil {
					return err
				}
				return output(cmd, opts, rec, func() {
					printf(cmd, "Updated %s %s (queued for sync)\n", args[0], rec.ClientID)
				})
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <table> <client-id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.recorder.Delete(ctx, models.Table(args[0]), args[1]); err != nil {
					return err
				}
				return output(cmd, opts, map[string]string{"deleted": args[1]}, func() {
					printf(cmd, "Deleted %s %s (queued for sync)\n", args[0], args[1])
				})
			})
		},
	}

	cmd.AddCommand(update, del)
	return cmd
}

// parseAssignments turns key=value arguments into a field map.
func parseAssignments(args []string) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "expected key=value, got %q", arg)
		}
		if key == models.PayloadClientID || key == models.PayloadRemoteID || key == models.PayloadUserID {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "%s cannot be changed", key)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		fields[key] = v
	}
	return fields, nil
}
