// Command simulate drives a coordinator with simulated participants.
//
// # Commands
//
// run: Join rounds with a population of participants training random models.
//
//	simulate run --coordinator=http://localhost:8080 --participants=200 --rounds=3
//
// status: Display the coordinator status and the current global model.
//
//	simulate status --coordinator=http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/client"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/participant"
	"github.com/flashbots/secagg/protocol"
	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	var err error
	switch cmd {
	case "run":
		err = runSimulation(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`simulate - drive a secure aggregation coordinator

Usage:
  simulate <command> [options]

Commands:
  run       Join rounds with simulated participants
  status    Display coordinator status

Options:
  --coordinator, -c   Coordinator URL (default: http://localhost:8080)
  --coordinator-pk    Expected coordinator public key (hex)
  --participants, -n  Number of participants (run only, default: 100)
  --rounds            Number of rounds to join (run only, default: 1)
  --poll              Poll interval (run only, default: 200ms)`)
}

type options struct {
	coordinatorURL string
	coordinatorPK  crypto.PublicKey
	participants   int
	rounds         int
	poll           time.Duration
}

func parseOptions(args []string) (*options, error) {
	opts := &options{
		coordinatorURL: "http://localhost:8080",
		participants:   100,
		rounds:         1,
		poll:           200 * time.Millisecond,
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--coordinator", "-c":
			i++
			if i < len(args) {
				opts.coordinatorURL = args[i]
			}
		case "--coordinator-pk":
			i++
			if i < len(args) {
				pk, err := crypto.NewPublicKeyFromString(args[i])
				if err != nil {
					return nil, fmt.Errorf("--coordinator-pk: %w", err)
				}
				opts.coordinatorPK = pk
			}
		case "--participants", "-n":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &opts.participants)
			}
		case "--rounds":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &opts.rounds)
			}
		case "--poll":
			i++
			if i < len(args) {
				d, err := time.ParseDuration(args[i])
				if err != nil {
					return nil, fmt.Errorf("--poll: %w", err)
				}
				opts.poll = d
			}
		default:
			return nil, fmt.Errorf("unknown option %s", args[i])
		}
	}

	if opts.participants <= 0 {
		return nil, errors.New("--participants must be > 0")
	}
	if opts.rounds <= 0 {
		return nil, errors.New("--rounds must be > 0")
	}
	return opts, nil
}

// randomTrainer returns weights drawn uniformly from [-1, 1).
func randomTrainer(_ context.Context, params *protocol.RoundParameters) (aggregator.Model, error) {
	m := make(aggregator.Model, params.ModelLength)
	for i := range m {
		m[i] = rand.Float64()*2 - 1
	}
	return m, nil
}

func runSimulation(ctx context.Context, args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	api := client.NewAPIClient(opts.coordinatorURL, opts.coordinatorPK)

	runners := make([]*client.Runner, opts.participants)
	for i := range runners {
		p, err := participant.NewParticipant()
		if err != nil {
			return err
		}
		runners[i] = &client.Runner{
			API:          api,
			Participant:  p,
			Train:        randomTrainer,
			PollInterval: opts.poll,
		}
	}

	for range opts.rounds {
		params, err := waitForSumPhase(ctx, api, opts.poll)
		if err != nil {
			return err
		}
		fmt.Printf("Joining round %d with %d participants\n", params.RoundID, len(runners))

		roles := make([]protocol.Role, len(runners))
		g, gctx := errgroup.WithContext(ctx)
		for i, r := range runners {
			g.Go(func() error {
				role, err := r.RunRound(gctx)
				roles[i] = role
				switch {
				case err == nil, errors.Is(err, client.ErrNotSelected), errors.Is(err, client.ErrRoundMissed):
					return nil
				case client.IsStatus(err, http.StatusConflict), client.IsStatus(err, http.StatusUnprocessableEntity):
					// Rejected contributions are part of a normal round.
					fmt.Printf("Participant %d (%s): %v\n", i, role, err)
					return nil
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var sums, updates int
		for _, role := range roles {
			switch role {
			case protocol.RoleSum:
				sums++
			case protocol.RoleUpdate:
				updates++
			}
		}
		fmt.Printf("Round %d: %d sum and %d update participants finished their tasks\n", params.RoundID, sums, updates)

		status, err := waitForRoundAfter(ctx, api, params.RoundID, opts.poll)
		if err != nil {
			return err
		}
		if status.ModelReference != "" {
			fmt.Printf("Global model is now %s\n", status.ModelReference)
		}
	}
	return nil
}

func waitForSumPhase(ctx context.Context, api *client.APIClient, poll time.Duration) (*protocol.RoundParameters, error) {
	for {
		params, err := api.Params(ctx)
		if err == nil && params.Phase == protocol.PhaseSum {
			return params, nil
		}
		if err != nil {
			var apiErr *client.APIError
			if !errors.As(err, &apiErr) || !apiErr.Temporary() {
				return nil, err
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func waitForRoundAfter(ctx context.Context, api *client.APIClient, roundID uint64, poll time.Duration) (*statusView, error) {
	for {
		status, err := api.Status(ctx)
		if err != nil {
			return nil, err
		}
		if status.RoundID > roundID {
			return &statusView{RoundID: status.RoundID, Phase: status.Phase.String(), ModelReference: status.ModelReference}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

type statusView struct {
	RoundID        uint64 `json:"round_id"`
	Phase          string `json:"phase"`
	ModelReference string `json:"model_reference,omitempty"`
	ModelLength    int    `json:"model_length,omitempty"`
}

func runStatus(ctx context.Context, args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	api := client.NewAPIClient(opts.coordinatorURL, opts.coordinatorPK)

	status, err := api.Status(ctx)
	if err != nil {
		return err
	}
	view := &statusView{RoundID: status.RoundID, Phase: status.Phase.String(), ModelReference: status.ModelReference}

	model, err := api.Model(ctx)
	switch {
	case err == nil:
		view.ModelLength = len(model.Weights)
	case !client.IsStatus(err, http.StatusNotFound):
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
