// Command openpower-sim runs the simulation in real time with the base module and the Lua mods
// found in SIM_MODS_DIR. It resumes from the autosave when there is one and saves on shutdown.
package main

import (
	"github.com/openpower/engine/pkg/game"
	"github.com/rs/zerolog/log"
)

func main() {
	g, err := game.New(game.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create game")
	}
	g.Start()
}
