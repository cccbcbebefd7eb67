package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	cli "github.com/urfave/cli/v3"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/instill-ai/execution-backend/config"
	"github.com/instill-ai/execution-backend/pkg/logger"
	"github.com/instill-ai/execution-backend/pkg/progress"
	"github.com/instill-ai/execution-backend/pkg/repository"
	"github.com/instill-ai/execution-backend/pkg/resilience"
	"github.com/instill-ai/execution-backend/pkg/router"
	"github.com/instill-ai/execution-backend/pkg/service"
	"github.com/instill-ai/execution-backend/pkg/store"
	"github.com/instill-ai/execution-backend/pkg/types"
	"github.com/instill-ai/x/temporal"

	database "github.com/instill-ai/execution-backend/pkg/db"
)

// env holds the clients of a command. The Temporal client is only dialled
// for the commands that dispatch work.
type env struct {
	repo    repository.Repository
	service service.Service
	log     *zap.Logger
	close   func()
}

func newEnv(ctx context.Context, cmd *cli.Command, withTemporal bool) (*env, error) {
	if err := config.Init(cmd.String("file")); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logger.GetZapLogger(ctx)
	if err != nil {
		return nil, err
	}

	db, err := database.GetConnection(config.Config.Database, config.Config.Server.Debug)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)

	closers := []func(){
		func() { database.Close(db) },
		func() { _ = redisClient.Close() },
	}

	resilienceCfg := resilience.ConfigFromExecution(config.Config.Execution, redisClient, log)
	repo := repository.NewRepository(db)
	storeClient := store.NewClient(repo, resilienceCfg, log)
	progressCache := progress.NewRedisCache(redisClient, config.Config.Cache.ProgressTTL, resilience.NewRetryer(resilienceCfg))

	var dispatcher service.Dispatcher
	if withTemporal {
		opts, err := temporal.ClientOptions(config.Config.Temporal, log)
		if err != nil {
			return nil, fmt.Errorf("building Temporal client options: %w", err)
		}
		tc, err := temporalclient.Dial(opts)
		if err != nil {
			return nil, fmt.Errorf("dialling Temporal: %w", err)
		}
		closers = append(closers, tc.Close)
		dispatcher = router.NewDispatcher(storeClient, tc, log)
	}

	return &env{
		repo:    repo,
		service: service.NewService(storeClient, progressCache, dispatcher, log),
		log:     log,
		close: func() {
			for _, fn := range closers {
				fn()
			}
			_ = log.Sync()
		},
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseUID(s string) (uuid.UUID, error) {
	uid, err := uuid.FromString(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UID %q: %w", s, err)
	}
	return uid, nil
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Create an execution over a list of files and dispatch it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Usage: "Workflow UID", Required: true},
			&cli.StringFlag{Name: "organization", Usage: "Organization ID", Required: true},
			&cli.StringFlag{Name: "pipeline", Usage: "Pipeline UID"},
			&cli.StringFlag{Name: "files", Usage: "JSON file with the input file descriptors", Required: true},
			&cli.StringFlag{Name: "mode", Usage: "Execution mode (QUEUED, IMMEDIATE)", Value: string(types.ExecutionModeQueued)},
			&cli.BoolFlag{Name: "use-file-history", Usage: "Reuse the results of files already processed by the workflow"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			workflowUID, err := parseUID(cmd.String("workflow"))
			if err != nil {
				return err
			}

			req := router.ExecutionRequest{
				OrganizationID: cmd.String("organization"),
				WorkflowUID:    workflowUID,
				Mode:           types.ExecutionMode(cmd.String("mode")),
				UseFileHistory: cmd.Bool("use-file-history"),
			}

			if p := cmd.String("pipeline"); p != "" {
				pipelineUID, err := parseUID(p)
				if err != nil {
					return err
				}
				req.PipelineUID = &pipelineUID
			}

			b, err := os.ReadFile(cmd.String("files"))
			if err != nil {
				return fmt.Errorf("reading files: %w", err)
			}
			if err := json.Unmarshal(b, &req.Files); err != nil {
				return fmt.Errorf("decoding files: %w", err)
			}

			e, err := newEnv(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer e.close()

			uid, err := e.service.SubmitExecution(ctx, req)
			if err != nil {
				return err
			}

			return printJSON(map[string]string{"execution_uid": uid.String()})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the progress of an execution",
		ArgsUsage: "<execution-uid>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			uid, err := parseUID(cmd.Args().First())
			if err != nil {
				return err
			}

			e, err := newEnv(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer e.close()

			view, err := e.service.GetExecutionStatus(ctx, uid)
			if err != nil {
				return err
			}

			return printJSON(view)
		},
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:      "stop",
		Usage:     "Stop a running execution",
		ArgsUsage: "<execution-uid>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			uid, err := parseUID(cmd.Args().First())
			if err != nil {
				return err
			}

			e, err := newEnv(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.service.StopExecution(ctx, uid); err != nil {
				return err
			}

			e.log.Info("Stop requested", zap.String("executionUID", uid.String()))
			return nil
		},
	}
}

func deployCommand() *cli.Command {
	return &cli.Command{
		Name:  "deploy",
		Usage: "Register a workflow as an API deployment so its executions use the API deployment lane",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Usage: "Workflow UID", Required: true},
			&cli.StringFlag{Name: "organization", Usage: "Organization ID", Required: true},
			&cli.StringFlag{Name: "pipeline", Usage: "Pipeline UID"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			workflowUID, err := parseUID(cmd.String("workflow"))
			if err != nil {
				return err
			}

			d := repository.APIDeploymentModel{
				WorkflowUID:    workflowUID,
				OrganizationID: cmd.String("organization"),
				IsActive:       true,
			}
			if p := cmd.String("pipeline"); p != "" {
				pipelineUID, err := parseUID(p)
				if err != nil {
					return err
				}
				d.PipelineUID = &pipelineUID
			}

			e, err := newEnv(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer e.close()

			created, err := e.repo.CreateAPIDeployment(ctx, d)
			if err != nil {
				return err
			}

			return printJSON(created)
		},
	}
}
