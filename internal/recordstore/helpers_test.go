package recordstore

import "github.com/whalesync/scratch-cli-sub001/internal/config"

func secret(s string) config.Secret { return config.Secret(s) }
