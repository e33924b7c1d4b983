//go:build windows

package enforce

import "errors"

var errUnsupported = errors.New("enforce: not implemented on this platform")

// Windows 后端占位。Available 恒为 false，引擎会进入降级模式，
// 策略表操作全部报错，由上层 fail-closed 兜底

type SysfsInstanceController struct{}

func NewSysfsInstanceController() *SysfsInstanceController        { return &SysfsInstanceController{} }
func (c *SysfsInstanceController) Available() bool                { return false }
func (c *SysfsInstanceController) Enumerate() ([]Instance, error) { return nil, errUnsupported }
func (c *SysfsInstanceController) Enable(rawID string) error      { return errUnsupported }
func (c *SysfsInstanceController) Disable(rawID string) error     { return errUnsupported }

type SysfsPolicyStore struct{}

func NewSysfsPolicyStore(listPath string) *SysfsPolicyStore { return &SysfsPolicyStore{} }
func (s *SysfsPolicyStore) SetDefaultDeny(on bool) error    { return errUnsupported }
func (s *SysfsPolicyStore) AllowList() ([]string, error)    { return nil, errUnsupported }
func (s *SysfsPolicyStore) DenyList() ([]string, error)     { return nil, errUnsupported }
func (s *SysfsPolicyStore) SetAllowList(ids []string) error { return errUnsupported }
func (s *SysfsPolicyStore) SetDenyList(ids []string) error  { return errUnsupported }

type SysfsRescanner struct{}

func NewSysfsRescanner() *SysfsRescanner        { return &SysfsRescanner{} }
func (r *SysfsRescanner) Rescan() error         { return errUnsupported }
func (r *SysfsRescanner) RescanFallback() error { return errUnsupported }
