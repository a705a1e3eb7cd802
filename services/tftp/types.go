package tftp

import (
	"log"

	"espota/services/firmware"
)

// Config controls the TFTP listener.
type Config struct {
	Address    string
	TimeoutSec int
}

type Server struct {
	cfg    Config
	store  *firmware.Store
	logger *log.Logger
}
