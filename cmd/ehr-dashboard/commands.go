package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/dashboard/internal/backend"
	"github.com/ehr/dashboard/internal/config"
	"github.com/ehr/dashboard/internal/dashboard"
	"github.com/ehr/dashboard/pkg/prettyjson"
)

// runner executes one dashboard action for a CLI command.
type runner func(ctx context.Context, svc *dashboard.Service, sess *dashboard.Session) (dashboard.State, error)

// runAction runs an action through the same flow the web dashboard uses and
// prints the resulting panel as indented JSON.
func runAction(cmd *cobra.Command, panel dashboard.Panel, run runner) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := zerolog.New(cmd.ErrOrStderr()).With().Timestamp().Logger().Level(zerolog.WarnLevel)
	svc := dashboard.NewService(newBackendClient(cfg, logger))
	sess := dashboard.NewStore(cfg.SessionTTL).Create()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := run(ctx, svc, sess)
	if err != nil {
		var failed *dashboard.RequestFailedError
		var verr *dashboard.ValidationError
		if errors.As(err, &failed) || errors.As(err, &verr) {
			return errors.New(st.Error)
		}
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), prettyjson.MustFormat(st.Result(panel)))
	return err
}

func patientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patient",
		Short: "Patient lookups",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <patient-id>",
		Short: "Fetch a patient record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, dashboard.PanelPatient, func(ctx context.Context, svc *dashboard.Service, sess *dashboard.Session) (dashboard.State, error) {
				return svc.FetchPatient(ctx, sess, dashboard.PatientForm{PatientID: args[0]})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "observations <patient-id>",
		Short: "List a patient's observations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, dashboard.PanelObservations, func(ctx context.Context, svc *dashboard.Service, sess *dashboard.Session) (dashboard.State, error) {
				return svc.FetchObservations(ctx, sess, dashboard.PatientForm{PatientID: args[0]})
			})
		},
	})

	var form dashboard.SearchForm
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Search patients by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, dashboard.PanelSearch, func(ctx context.Context, svc *dashboard.Service, sess *dashboard.Session) (dashboard.State, error) {
				return svc.SearchPatients(ctx, sess, form)
			})
		},
	}
	searchCmd.Flags().StringVar(&form.Name, "name", "", "patient name (required)")
	searchCmd.Flags().StringVar(&form.Identifier, "identifier", "", "patient identifier")
	searchCmd.Flags().StringVar(&form.BirthDate, "birthdate", "", "birth date (YYYY-MM-DD)")
	searchCmd.Flags().StringVar(&form.Gender, "gender", "", "male, female, other or unknown")
	cmd.AddCommand(searchCmd)

	return cmd
}

func hl7Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hl7",
		Short: "HL7 v2 parsing and conversion",
	}

	var parseFile string
	parseCmd := &cobra.Command{
		Use:   "parse",
		Short: "Parse an HL7 v2 message read from --file or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := readInput(cmd, parseFile)
			if err != nil {
				return err
			}
			return runAction(cmd, dashboard.PanelParsed, func(ctx context.Context, svc *dashboard.Service, sess *dashboard.Session) (dashboard.State, error) {
				return svc.ParseMessage(ctx, sess, dashboard.HL7Form{Message: msg})
			})
		},
	}
	parseCmd.Flags().StringVarP(&parseFile, "file", "f", "", "file containing the message")
	cmd.AddCommand(parseCmd)

	var fhirFile string
	fromFHIRCmd := &cobra.Command{
		Use:   "from-fhir",
		Short: "Convert a FHIR resource read from --file or stdin to HL7 v2",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resource, err := readInput(cmd, fhirFile)
			if err != nil {
				return err
			}
			return runAction(cmd, dashboard.PanelConverted, func(ctx context.Context, svc *dashboard.Service, sess *dashboard.Session) (dashboard.State, error) {
				return svc.ConvertToHL7(ctx, sess, dashboard.FHIRForm{Resource: resource})
			})
		},
	}
	fromFHIRCmd.Flags().StringVarP(&fhirFile, "file", "f", "", "file containing the FHIR resource JSON")
	cmd.AddCommand(fromFHIRCmd)

	return cmd
}

func callAPICmd() *cobra.Command {
	var (
		form    dashboard.APIForm
		headers []string
	)
	cmd := &cobra.Command{
		Use:   "call-api",
		Short: "Send a request through the backend proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := headerJSON(headers)
			if err != nil {
				return err
			}
			form.Headers = h
			return runAction(cmd, dashboard.PanelAPI, func(ctx context.Context, svc *dashboard.Service, sess *dashboard.Session) (dashboard.State, error) {
				return svc.CallAPI(ctx, sess, form)
			})
		},
	}
	cmd.Flags().StringVar(&form.URL, "url", "", "target URL (required)")
	cmd.Flags().StringVarP(&form.Method, "method", "X", "GET", strings.Join(backend.ProxyMethods, ", "))
	cmd.Flags().StringVarP(&form.Data, "data", "d", "", "request body as JSON")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header as Key=Value, repeatable")
	return cmd
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			client := newBackendClient(cfg, zerolog.Nop())
			body, err := client.Ping(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), prettyjson.MustFormat(body))
			return err
		},
	}
}

// readInput returns the contents of path, or of stdin when path is empty.
func readInput(cmd *cobra.Command, path string) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "" {
		b, err = io.ReadAll(cmd.InOrStdin())
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(b), nil
}

// headerJSON turns Key=Value pairs into the JSON object text the proxy form
// expects. No pairs yields an empty string.
func headerJSON(pairs []string) (string, error) {
	if len(pairs) == 0 {
		return "", nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return "", fmt.Errorf("invalid header %q, want Key=Value", p)
		}
		m[k] = strings.TrimSpace(v)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
