// The store manager ties configuration, logging, the object store client,
// the catalog, and the uploader variants together. Host applications (and
// the command line tool) construct one manager and talk to the engine
// only through it.
package storemgr

import (
	"io"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/opencatalog/s3store/pkg/catalog"
	"github.com/opencatalog/s3store/pkg/migrate"
	"github.com/opencatalog/s3store/pkg/storage"
	"github.com/opencatalog/s3store/pkg/uploader"
)

// ErrMissingConfig reports a required configuration option that was not
// set. Fatal at startup; the process exits non-zero.
var ErrMissingConfig = errors.New("storemgr: required configuration option not set")

type Manager struct {
	Cfg       *viper.Viper
	Logger    logrus.FieldLogger
	Store     storage.ObjectStore
	ACLStates *uploader.ACLStateStore

	privacy     uploader.PrivacyChecker
	openCatalog migrate.CatalogOpener
}

// NewManager builds a manager from user options:
//
//	"config-file":     path to the configuration file (string)
//	"logger":          custom logger (logrus.FieldLogger)
//	"object-store":    custom store client (storage.ObjectStore)
//	"privacy-checker": host lookup of package privacy (uploader.PrivacyChecker)
//	"catalog-opener":  custom catalog factory (migrate.CatalogOpener)
func NewManager(userCfg map[string]interface{}) (*Manager, error) {
	var err error
	mgr := &Manager{}

	if cfgPathRaw, ok := userCfg["config-file"]; ok {
		if cfgPath, ok := cfgPathRaw.(string); ok {
			err = mgr.initConfig(&cfgPath)
		} else {
			return nil, errors.New("option 'config-file' must be of type string")
		}
	} else {
		err = mgr.initConfig(nil)
	}
	if err != nil {
		return nil, err
	}

	if loggerRaw, ok := userCfg["logger"]; ok {
		if logger, ok := loggerRaw.(logrus.FieldLogger); ok {
			mgr.Logger = logger
		} else {
			return nil, errors.New("option 'logger' must satisfy logrus.FieldLogger")
		}
	} else {
		mgr.Logger = logrus.New()
	}

	if storeRaw, ok := userCfg["object-store"]; ok {
		if store, ok := storeRaw.(storage.ObjectStore); ok {
			mgr.Store = store
		} else {
			return nil, errors.New("option 'object-store' must satisfy storage.ObjectStore")
		}
	} else {
		mgr.Store, err = storage.NewS3Store(mgr.storageConfig(),
			mgr.Logger.WithField("module", "storage"))
		if err != nil {
			return nil, err
		}
	}

	if privacyRaw, ok := userCfg["privacy-checker"]; ok {
		if privacy, ok := privacyRaw.(uploader.PrivacyChecker); ok {
			mgr.privacy = privacy
		} else {
			return nil, errors.New("option 'privacy-checker' must be of type uploader.PrivacyChecker")
		}
	}

	if openerRaw, ok := userCfg["catalog-opener"]; ok {
		if opener, ok := openerRaw.(migrate.CatalogOpener); ok {
			mgr.openCatalog = opener
		} else {
			return nil, errors.New("option 'catalog-opener' must be of type migrate.CatalogOpener")
		}
	} else {
		mgr.openCatalog = mgr.defaultCatalogOpener()
	}

	mgr.ACLStates, err = uploader.NewACLStateStore(mgr.expandPath("storage.aclStateFile"))
	if err != nil {
		return nil, err
	}

	return mgr, nil
}

func (m *Manager) initConfig(cfgPath *string) error {
	// This is a private viper context so as not to conflict with the
	// importer's own usage.
	m.Cfg = viper.New()

	m.Cfg.SetDefault("storage.path", "")
	m.Cfg.SetDefault("storage.acl", string(storage.ACLPublicRead))
	m.Cfg.SetDefault("storage.useFilename", false)
	m.Cfg.SetDefault("storage.checkAccessOnStartup", true)
	m.Cfg.SetDefault("storage.legacyDir", "/var/lib/catalog/resources")
	m.Cfg.SetDefault("storage.legacyKeyPrefix", "catalog-file")
	m.Cfg.SetDefault("migration.concurrency", 4)
	m.Cfg.SetDefault("s3.pathStyle", false)

	// Order of precedence: ENV, config file, defaults.
	m.Cfg.BindEnv("s3.accessKeyId", "AWS_ACCESS_KEY_ID")
	m.Cfg.BindEnv("s3.secretAccessKey", "AWS_SECRET_ACCESS_KEY")
	m.Cfg.BindEnv("s3.region", "AWS_DEFAULT_REGION")

	if cfgPath != nil {
		m.Cfg.SetConfigFile(*cfgPath)
	} else {
		// default search path is ./configs/s3store.* (yaml, json, etc)
		m.Cfg.AddConfigPath("./configs")
		m.Cfg.SetConfigName("s3store")
	}

	if err := m.Cfg.ReadInConfig(); err != nil {
		return errors.Wrap(err, "Failed to load config")
	}
	return nil
}

func (m *Manager) storageConfig() storage.Config {
	return storage.Config{
		Bucket:           m.Cfg.GetString("s3.bucket"),
		Region:           m.Cfg.GetString("s3.region"),
		SignatureVersion: m.Cfg.GetString("s3.signatureVersion"),
		AccessKeyID:      m.Cfg.GetString("s3.accessKeyId"),
		SecretAccessKey:  m.Cfg.GetString("s3.secretAccessKey"),
		UseAmbientRole:   m.Cfg.GetBool("s3.useAmbientRole"),
		Endpoint:         m.Cfg.GetString("s3.endpoint"),
		PathStyle:        m.Cfg.GetBool("s3.pathStyle"),
	}
}

func (m *Manager) uploaderConfig() uploader.Config {
	return uploader.Config{
		Prefix:      m.Cfg.GetString("storage.path"),
		ACLMode:     storage.ACL(m.Cfg.GetString("storage.acl")),
		UseFilename: m.Cfg.GetBool("storage.useFilename"),
	}
}

// CheckConfig verifies that every required option is set and, unless
// disabled, that the configured bucket is reachable and exists.
func (m *Manager) CheckConfig() error {
	required := []string{"s3.bucket", "s3.region", "s3.signatureVersion"}
	if !m.Cfg.GetBool("s3.useAmbientRole") {
		required = append(required, "s3.accessKeyId", "s3.secretAccessKey")
	}

	missing := false
	for _, key := range required {
		if m.Cfg.GetString(key) == "" {
			m.Logger.Errorf("You must set the %q option in your configuration", key)
			missing = true
		}
	}
	if missing {
		return ErrMissingConfig
	}
	m.Logger.Info("All configuration options defined")

	if m.Cfg.GetBool("storage.checkAccessOnStartup") {
		if err := m.Store.EnsureBucket(); err != nil {
			return errors.Wrap(err, "An error was found while finding or creating the bucket")
		}
	}
	return nil
}

// NewResourceUploader returns the uploader variant for dataset resource
// files.
func (m *Manager) NewResourceUploader() *uploader.ResourceUploader {
	return uploader.NewResourceUploader(m.Store, m.uploaderConfig(), m.privacy,
		m.Logger.WithField("module", "uploader"))
}

// NewImageUploader returns the uploader variant for general uploads.
func (m *Manager) NewImageUploader(uploadTo, oldFilename string) *uploader.ImageUploader {
	return uploader.NewImageUploader(m.Store, m.uploaderConfig(), uploadTo, oldFilename,
		m.Logger.WithField("module", "uploader"))
}

// ResolveURL is the only call surface a file-serving layer needs.
func (m *Manager) ResolveURL(res uploader.Resource, filename string) (string, error) {
	return m.NewResourceUploader().ResolveURL(res, filename)
}

// Upload streams a resource file into the store.
func (m *Manager) Upload(res uploader.Resource, pkg uploader.PackageInfo, filename string, body io.ReadSeeker, size int64, contentType string) (string, error) {
	return m.NewResourceUploader().Upload(res, pkg, filename, body, size, contentType)
}

// NotifyPackageChanged is the entity-privacy-change entry point. It is
// invoked repeatedly by host background workers, so it short-circuits
// when the package's recorded ACL already matches before touching the
// store.
func (m *Manager) NotifyPackageChanged(pkgID string, isPrivate bool, resourceIDs []string) error {
	target := storage.ACLPublicRead
	if isPrivate {
		target = storage.ACLPrivate
	}

	if last, ok := m.ACLStates.Last(pkgID); ok && last == target {
		m.Logger.Debugf("Package %s already synchronized to %s", pkgID, target)
		return nil
	}

	// The closed set of uploader variants; only those with the
	// visibility capability take part.
	variants := []interface{}{
		m.NewResourceUploader(),
		m.NewImageUploader("", ""),
	}
	for _, v := range variants {
		syncer, ok := v.(uploader.VisibilitySyncer)
		if !ok {
			continue
		}
		for _, id := range resourceIDs {
			if err := syncer.UpdateVisibility(id, target); err != nil {
				return errors.Wrapf(err, "Failed to update visibility of resource %s", id)
			}
		}
	}

	return m.ACLStates.Record(pkgID, target)
}

// MigrationEngine builds the engine driving one migration run.
func (m *Manager) MigrationEngine() *migrate.Engine {
	cfg := migrate.Config{
		StorageRoot:         m.expandPath("storage.legacyDir"),
		PairtreeStorageRoot: m.expandPath("storage.legacyPairtreeDir"),
		LegacyKeyPrefix:     m.Cfg.GetString("storage.legacyKeyPrefix"),
		SiteURL:             m.Cfg.GetString("site.url"),
		KeyPrefix:           m.Cfg.GetString("storage.path"),
		DefaultACL:          storage.ACL(m.Cfg.GetString("storage.acl")),
		Concurrency:         m.Cfg.GetInt("migration.concurrency"),
	}
	return migrate.NewEngine(m.Store, m.openCatalog, cfg,
		m.Logger.WithField("module", "migrate"))
}

func (m *Manager) defaultCatalogOpener() migrate.CatalogOpener {
	return func() (migrate.Catalog, error) {
		return catalog.Open(m.Cfg.GetString("database.url"),
			m.Logger.WithField("module", "catalog"))
	}
}

// expandPath reads a path option, expanding a leading ~.
func (m *Manager) expandPath(key string) string {
	p := m.Cfg.GetString(key)
	if p == "" {
		return ""
	}
	if expanded, err := homedir.Expand(p); err == nil {
		return expanded
	}
	return p
}
