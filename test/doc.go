// Package test holds black-box tests of the public goSession API. Tests that need Redis carry the
// integration build tag; they run against miniredis and, when REDIS_ADDR is set, a real server.
package test
