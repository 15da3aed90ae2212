package mailbox

import (
	"fmt"

	"github.com/themadorg/cyruslite/internal/mlog"
	"github.com/themadorg/cyruslite/mailboxlist"
	"github.com/themadorg/cyruslite/metrics"
	"github.com/themadorg/cyruslite/notify"
	"github.com/themadorg/cyruslite/quota"
	"github.com/themadorg/cyruslite/seenstate"
)

// Options configures a Handle. Process-wide globals a command-line driver
// would otherwise parse from a config file (a reconstruct-mode toggle, a
// notifier slot) are instead explicit constructor parameters validated
// once up front, since this package has no config-file parser of its own.
type Options struct {
	// VirtDomains and HashSpool select pathhash.Path's layout knobs.
	VirtDomains bool
	HashSpool   bool

	// Directory resolves mailbox names to paths/ACL/unique-id metadata.
	// Required.
	Directory mailboxlist.Directory

	// Quota is the transactional quota-root collaborator. Required.
	Quota quota.Service

	// SeenState is the per-user seen-UID collaborator. Required.
	SeenState seenstate.Service

	// Notifier receives append/expunge/rename events. Defaults to
	// notify.NopNotifier{} if nil.
	Notifier notify.Notifier

	// Metrics, if non-nil, records Prometheus counters/gauges for every
	// operation. Nil skips recording entirely.
	Metrics *metrics.Collectors

	// Log is the structured logger every component on this handle uses.
	// The zero value is a usable, unnamed logger.
	Log mlog.Logger

	// DefaultQuotaLimit seeds a newly created quota root's limit when
	// Create assigns a root that did not previously exist. Zero means
	// unlimited.
	DefaultQuotaLimit int64
}

// Validate fills in defaults and rejects a configuration missing a
// required collaborator, checking once at construction instead of failing
// lazily deep inside an operation.
func (o *Options) Validate() error {
	if o.Directory == nil {
		return fmt.Errorf("mailbox: Options.Directory is required")
	}
	if o.Quota == nil {
		return fmt.Errorf("mailbox: Options.Quota is required")
	}
	if o.SeenState == nil {
		return fmt.Errorf("mailbox: Options.SeenState is required")
	}
	if o.Notifier == nil {
		o.Notifier = notify.NopNotifier{}
	}
	return nil
}

// ReconstructOptions controls the Reconstruct operation.
type ReconstructOptions struct {
	// TolerateErrors, when true, logs and skips a message file that fails
	// to parse instead of aborting the whole reconstruct run.
	TolerateErrors bool

	// Worklist, if non-nil, receives the directory names of sibling
	// mailboxes (other directories with a header file under the same parent
	// directory) that the Directory collaborator does not yet know about.
	// Reconstruct never recurses into them itself.
	Worklist *[]string
}
