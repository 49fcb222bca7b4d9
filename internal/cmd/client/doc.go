// Package client provides the `stageflow` command-line client.
//
// The CLI talks to the stageflow HTTP API to submit jobs, inspect their
// progress and drive stage runners from a terminal. It is primarily intended
// for developers and operators.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it
// defaults to $STAGEFLOW_HTTP or http://127.0.0.1:8080. The health command
// dials gRPC at --grpc, $STAGEFLOW_GRPC or 127.0.0.1:50051.
//
// Usage
//
//	stageflow job submit --pipeline seo --job-id J1 --data '{"url":"https://example.com"}'
//	stageflow job submit --pipeline seo --data @payload.json --delay 30s
//	stageflow job status J1 --events 20
//	stageflow job status J1 --filter 'event_type == "failed"'
//	stageflow job artifact J1 publish > report.json
//
//	# Raw enqueue; prints the existing msg_id when the job already has a
//	# live message for the stage
//	stageflow enqueue seo.submit_crawl --job-id J1 --stage submit_crawl
//
//	stageflow trigger seo submit_crawl
//	stageflow trigger seo submit_crawl --async
//
//	stageflow backlog
//	stageflow dlq list --queue seo.submit_crawl --limit 10
//	stageflow health --service stageflow.v1.Stageflow
package client
