package scanner

import (
	"regexp"

	"github.com/Hara602/usbWarden/internal/model"
)

// 第一层：精确文件名黑名单。命中即高危，不看内容
var exactNameBlocklist = map[string]model.ThreatTier{
	"autorun.inf":      model.TierHigh, // U 盘蠕虫的标配入口
	"autorun.exe":      model.TierCritical,
	"desktop.ini.exe":  model.TierCritical,
	"ravmon.exe":       model.TierCritical,
	"ntdetect.exe":     model.TierCritical,
	"mimikatz.exe":     model.TierCritical,
	"lazagne.exe":      model.TierCritical,
	"procdump64a.exe":  model.TierHigh,
	"recycler.exe":     model.TierCritical,
	"usbdriver.exe":    model.TierHigh,
	"flashguard.exe":   model.TierHigh,
	"setup_update.scr": model.TierCritical,
}

// 第二层：文件名模式黑名单
type namePattern struct {
	re     *regexp.Regexp
	tier   model.ThreatTier
	reason string
}

var namePatterns = []namePattern{
	// 双后缀伪装：文档/图片后缀后面又跟可执行后缀
	{
		re:     regexp.MustCompile(`(?i)\.(jpe?g|png|gif|bmp|pdf|docx?|xlsx?|pptx?|txt|mp[34])\.(exe|scr|bat|cmd|com|pif|vbs|js)$`),
		tier:   model.TierCritical,
		reason: "double extension masquerade",
	},
	// RLO 控制符把后缀倒着显示
	{
		re:     regexp.MustCompile("‮"),
		tier:   model.TierCritical,
		reason: "right-to-left override in filename",
	},
	// 后缀前塞一长串空格，列表视图里看不到真实后缀
	{
		re:     regexp.MustCompile(`\s{10,}\.\w+$`),
		tier:   model.TierHigh,
		reason: "padded filename hides extension",
	},
	// 破解工具词汇
	{
		re:     regexp.MustCompile(`(?i)(crack|keygen|patcher|activator|loader)[^/\\]*\.(exe|bat|cmd|scr|com)$`),
		tier:   model.TierHigh,
		reason: "crack/keygen tooling name",
	},
	// 直白的恶意软件词汇
	{
		re:     regexp.MustCompile(`(?i)(trojan|keylog|backdoor|ransom|stealer|botnet|rootkit|payload|inject)`),
		tier:   model.TierHigh,
		reason: "malware terminology in filename",
	},
	// 混淆痕迹：长十六进制串当文件名的可执行体
	{
		re:     regexp.MustCompile(`(?i)^[0-9a-f]{16,}\.(exe|dll|scr)$`),
		tier:   model.TierMedium,
		reason: "obfuscated hex filename",
	},
}

// 第三层：后缀风险基线表
type extCategory struct {
	name string
	tier model.ThreatTier
}

var extRiskTable = map[string]extCategory{
	// 可执行
	"exe": {"executable", model.TierMedium},
	"scr": {"executable", model.TierMedium},
	"pif": {"executable", model.TierMedium},
	"com": {"executable", model.TierMedium},
	"cpl": {"executable", model.TierMedium},
	"msi": {"executable", model.TierMedium},
	"dll": {"executable", model.TierMedium},
	"sys": {"executable", model.TierMedium},
	"ocx": {"executable", model.TierMedium},

	// 脚本
	"bat": {"script", model.TierMedium},
	"cmd": {"script", model.TierMedium},
	"vbs": {"script", model.TierMedium},
	"vbe": {"script", model.TierMedium},
	"js":  {"script", model.TierMedium},
	"jse": {"script", model.TierMedium},
	"wsf": {"script", model.TierMedium},
	"ps1": {"script", model.TierMedium},
	"psm": {"script", model.TierMedium},
	"sh":  {"script", model.TierMedium},
	"py":  {"script", model.TierLow},
	"pl":  {"script", model.TierLow},

	// 宏文档
	"docm": {"macro", model.TierMedium},
	"xlsm": {"macro", model.TierMedium},
	"pptm": {"macro", model.TierMedium},
	"dotm": {"macro", model.TierMedium},
	"xltm": {"macro", model.TierMedium},

	// 压缩包：本体风险低，不递归扫内容
	"zip": {"archive", model.TierLow},
	"rar": {"archive", model.TierLow},
	"7z":  {"archive", model.TierLow},
	"gz":  {"archive", model.TierLow},
	"iso": {"archive", model.TierLow},
	"img": {"archive", model.TierLow},

	// 快捷方式
	"lnk": {"shortcut", model.TierMedium},
	"url": {"shortcut", model.TierMedium},
	"inf": {"shortcut", model.TierMedium},

	// 网页脚本
	"hta": {"webscript", model.TierMedium},
	"htm": {"webscript", model.TierLow},
	"chm": {"webscript", model.TierMedium},
	"svg": {"webscript", model.TierLow},
}

// 扫描跳过的系统元数据目录
var skipDirs = map[string]bool{
	"system volume information": true,
	"$recycle.bin":              true,
	"recycler":                  true,
	".trashes":                  true,
	".trash-1000":               true,
	".spotlight-v100":           true,
	".fseventsd":                true,
	"lost+found":                true,
}

// isExecutableOrScript 只有这些类别 (或前三层已命中的文件) 才做文件头检查
func isExecutableOrScript(ext string) bool {
	cat, ok := extRiskTable[ext]
	if !ok {
		return false
	}
	return cat.name == "executable" || cat.name == "script"
}
