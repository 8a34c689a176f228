package version

import (
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/fuelops/internal/version.version=...".
var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Info возвращает версию, коммит и дату сборки.
// Без ldflags коммит и дата берутся из VCS-меток go build.
func Info() (v, c, d string) {
	c, d = commit, date
	if c == "" || d == "" {
		vcsRevision, vcsTime := readVCS()
		if c == "" {
			c = vcsRevision
		}
		if d == "" {
			d = vcsTime
		}
	}
	return version, orUnknown(c), orUnknown(d)
}

// GetVersion возвращает версию для health-ответов.
func GetVersion() string { return version }

// String форматирует версию для стартового лога.
func String() string {
	v, c, d := Info()
	return fmt.Sprintf("fuelops version=%s commit=%s date=%s", v, c, d)
}

// Fields отдаёт те же данные полями logrus.
func Fields() log.Fields {
	v, c, d := Info()
	return log.Fields{"version": v, "commit": c, "build_date": d}
}

func readVCS() (revision, at string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			at = setting.Value
		}
	}
	return revision, at
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
