package netx

import (
	"os"

	"github.com/m-lab/uuid"
)

func fromFile(fp *os.File) (string, error) {
	return uuid.FromFile(fp)
}
