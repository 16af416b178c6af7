package hook

import (
	cfg_hook "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/configs/hook"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
)

func Build(cfg cfg_hook.WebHook) Web[domain.StateTransition] {
	return Web[domain.StateTransition]{
		BeforeURL: cfg.Before,
		AfterURL:  cfg.After,
	}
}
