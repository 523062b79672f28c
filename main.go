package main

import (
	"github.com/sirupsen/logrus"

	"queue-server/cmd"
	_ "queue-server/migrations"
)

func main() {
	if err := cmd.Start(); err != nil {
		logrus.WithError(err).Fatal("queue server exited")
	}
}
