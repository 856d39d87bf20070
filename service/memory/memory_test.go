package memory

import (
	"testing"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/Juanbuhler/zmlp-sub000/service/servicetest"
)

func TestServices(t *testing.T) {
	servicetest.Run(t, func(t *testing.T) zmlp.Services {
		return New()
	})
}
