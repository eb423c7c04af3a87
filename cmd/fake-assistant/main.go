// ABOUTME: Minimal fake AI worker for E2E testing: pops requests from Redis and echoes them back
// ABOUTME: Usage: fake-assistant [-redis redis://localhost:6379/0] [-mode list|publish|stored]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-chat/internal/aibridge"
	"github.com/2389/coven-chat/internal/rdb"
)

const popTimeout = 2 * time.Second

type options struct {
	requestsKey  string
	responsesKey string
	mode         string
	delay        time.Duration
}

func main() {
	url := flag.String("redis", "redis://localhost:6379/0", "Redis URL")
	requests := flag.String("requests", aibridge.DefaultRequestsKey, "list to pop requests from")
	responses := flag.String("responses", aibridge.DefaultResponsesKey, "list or channel to answer on")
	mode := flag.String("mode", "list", `how to answer: "list" (LPUSH), "publish" (PUBLISH) or "stored" (content under openai_response:{id})`)
	delay := flag.Duration("delay", 200*time.Millisecond, "simulated thinking time")
	flag.Parse()

	switch *mode {
	case "list", "publish", "stored":
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	opts := options{requestsKey: *requests, responsesKey: *responses, mode: *mode, delay: *delay}
	if err := run(*url, opts); err != nil {
		log.Fatal(err)
	}
}

func run(url string, opts options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := rdb.Open(ctx, rdb.Options{URL: url})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	fmt.Fprintf(os.Stderr, "waiting for requests on %s (answering via %s)\n", opts.requestsKey, opts.mode)

	for {
		res, err := client.BRPop(ctx, popTimeout, opts.requestsKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("pop error: %w", err)
		}

		// res is [key, value].
		var req aibridge.Request
		if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
			log.Printf("skipping malformed request: %v", err)
			continue
		}

		log.Printf("received request [%s] chat=%d: %s", req.RequestID, req.ChatID, req.Content)

		time.Sleep(opts.delay)

		if err := answer(ctx, client, opts, req.RequestID, echoReply(req.Content)); err != nil {
			log.Printf("answer error: %v", err)
		}
	}
}

func answer(ctx context.Context, client *redis.Client, opts options, requestID, reply string) error {
	resp := aibridge.Response{RequestID: requestID, Response: &reply}
	if opts.mode == "stored" {
		if err := client.Set(ctx, aibridge.ResponseKey(requestID), reply, aibridge.DefaultRequestTTL).Err(); err != nil {
			return fmt.Errorf("storing response: %w", err)
		}
		resp.Response = nil
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if opts.mode == "publish" {
		return client.Publish(ctx, opts.responsesKey, payload).Err()
	}
	return client.LPush(ctx, opts.responsesKey, payload).Err()
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
