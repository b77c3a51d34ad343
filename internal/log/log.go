// Package log constructs the process-wide zap logger. Every binary in
// this repository calls New once at startup and threads the result
// through explicitly; nothing here is a package-level global.
package log

import "go.uber.org/zap"

func New(env string) (*zap.Logger, error) {
	if env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
