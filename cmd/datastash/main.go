package main

import (
	"os"

	"github.com/offstack/datastash/coremain"
	"github.com/offstack/datastash/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.S().Error(err)
		os.Exit(1)
	}
}
