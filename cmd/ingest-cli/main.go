package main

import (
	"context"
	"kidsactivity-backend/cmd/ingest-cli/commands"
	"kidsactivity-backend/lib/serviceutil"
	"kidsactivity-backend/lib/telemetry"
)

func main() {
	ctx := serviceutil.SignalContext()

	err := telemetry.SetupFromEnv(ctx, "ingest-cli")
	if err == nil {
		defer telemetry.Shutdown(context.Background())
		telemetry.InstrumentPerfStats(ctx)
	}

	commands.ExecuteContext(ctx)
}
