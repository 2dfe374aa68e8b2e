package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/oriys/zephyr/internal/domain"
)

var (
	lambdaClientsMu sync.Mutex
	lambdaClients   = map[string]*lambda.Client{}
)

func lambdaClientFor(ctx context.Context, server *domain.ComputeServer) (*lambda.Client, error) {
	lambdaClientsMu.Lock()
	defer lambdaClientsMu.Unlock()

	cacheKey := server.Region + "|" + server.AccessKey
	if c, ok := lambdaClients[cacheKey]; ok {
		return c, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(server.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(server.AccessKey, server.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load lambda client config: %w", err)
	}

	c := lambda.NewFromConfig(cfg)
	lambdaClients[cacheKey] = c
	return c, nil
}

func (s *Scheduler) dispatchLambda(ctx context.Context, f string, server *domain.ComputeServer, overlay map[string]json.RawMessage) error {
	client, err := lambdaClientFor(ctx, server)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(dispatchBody{Overwritten: overlay, PayloadURL: s.SourceURL})
	if err != nil {
		return fmt.Errorf("marshal invoke payload: %w", err)
	}

	out, err := client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(f),
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("invoke lambda %q: %w", f, err)
	}

	if out.FunctionError != nil && *out.FunctionError != "" {
		return fmt.Errorf("lambda %q returned a function error: %s", f, *out.FunctionError)
	}
	if out.StatusCode < 200 || out.StatusCode >= 300 {
		return fmt.Errorf("unexpected lambda invoke status: %d", out.StatusCode)
	}
	return nil
}
