// Command histsync keeps shell history, aliases and key-value settings in
// sync across machines through an end-to-end encrypted relay.
package main

import (
	"github.com/marcus/histsync/cmd"
	"github.com/marcus/histsync/internal/version"
)

// Version is set at release time with -ldflags "-X main.Version=vX.Y.Z".
var Version = "dev"

func main() {
	cmd.SetVersion(version.Resolve(Version))
	cmd.Execute()
}
