package logging_test

import (
	"github.com/grovetools/prdflow/logging"
	"github.com/sirupsen/logrus"
)

func ExampleNewLogger() {
	log := logging.NewLogger("server")

	log.Info("Listening")
	log.WithFields(logrus.Fields{
		"session_id": "s1",
		"event":      "prd_complete",
	}).Warn("Ignoring duplicate event")
}

func ExampleNewLogger_configuration() {
	// prdflow.yml:
	//
	// logging:
	//   level: debug
	//   report_caller: true
	//   file:
	//     path: ~/prdflow.log
	//   format:
	//     preset: json
	//
	// Or via environment variables:
	// PRDFLOW_LOG_LEVEL=debug
	// PRDFLOW_LOG_CALLER=true

	log := logging.NewLogger("engine")
	log.Debug("This respects the configuration")
}
