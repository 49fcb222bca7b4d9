// Package dispatch holds the static routing table of pipeline stages and
// delivers trigger calls to the workers that run them.
//
// A stage endpoint is "local" (runners in this process), an http(s) base URL
// (POST {endpoint}/v1/workers/{pipeline}/{stage}/trigger) or a redis URL
// (LPUSH to TriggerKey, consumed by RedisListener).
package dispatch
