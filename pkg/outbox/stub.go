package outbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3leaps/superdev/pkg/job"
)

// Precompiler runs an eager first compile for an outbox and waits for it.
type Precompiler interface {
	Precompile(ctx context.Context, o *Outbox) (job.Result, error)
}

const stubTemplate = `// superdev: %[1]s has not been compiled yet.
(function() {
  var module = %[2]q;
  var xhr = new XMLHttpRequest();
  xhr.open('POST', '/recompile/' + module + window.location.search, true);
  xhr.onload = function() {
    if (xhr.status >= 200 && xhr.status < 300) {
      window.location.reload();
    } else {
      console.error('superdev: compile of ' + module + ' failed: ' + xhr.responseText);
    }
  };
  xhr.onerror = function() {
    console.error('superdev: cannot reach the compile server');
  };
  xhr.send();
})();
`

// NocachePath is the servable path of a module's bootstrap script, relative
// to the war directory.
func NocachePath(module string) string {
	return module + "/" + module + ".nocache.js"
}

// Initialize prepares the first published output. With Spec.Precompile set
// and a non-nil p it compiles eagerly and keeps the stub as a fallback when
// that compile fails.
func (o *Outbox) Initialize(ctx context.Context, p Precompiler) error {
	if o.spec.Precompile && p != nil {
		res, err := p.Precompile(ctx, o)
		switch {
		case err != nil:
			o.logger.Warn("Precompile did not finish; serving stub", zap.Error(err))
		case !res.OK():
			o.logger.Warn("Precompile failed; serving stub", zap.Error(res.Err))
		default:
			return nil
		}
	}
	return o.setupStub()
}

func (o *Outbox) setupStub() error {
	if !o.ContainsStubCompile() {
		return nil
	}

	dir, err := o.dir.NewCompileDir()
	if err != nil {
		return fmt.Errorf("allocate stub dir for %s: %w", o.spec.Module, err)
	}

	target := filepath.Join(dir.WarDir(), filepath.FromSlash(NocachePath(o.spec.Module)))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create stub dir for %s: %w", o.spec.Module, err)
	}
	body := fmt.Sprintf(stubTemplate, o.spec.Module, o.spec.Module)
	if err := os.WriteFile(target, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write stub for %s: %w", o.spec.Module, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	// A compile may have published while the stub was written.
	if o.publishedJob != nil {
		return nil
	}
	o.published = job.Ok(dir, job.StrategySkipped)
	o.logger.Info("Serving stub", zap.String("compile_dir", dir.Root()))
	return nil
}
