package scanner

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"

	"github.com/Hara602/usbWarden/internal/model"
)

// headerLen filetype 库建议的探测长度
const headerLen = 262

type layerMatch struct {
	tier   model.ThreatTier
	reason string
}

// classifyFile 四层顺序分析。多层命中时取最高等级、保留最先发现的原因。
// 返回 nil 表示文件干净
func (s *Scanner) classifyFile(path string, size int64) *model.ThreatRecord {
	name := strings.ToLower(filepath.Base(path))
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")

	var matches []layerMatch

	// 第一层：精确文件名
	if tier, ok := exactNameBlocklist[name]; ok {
		matches = append(matches, layerMatch{tier, fmt.Sprintf("blocklisted filename %q", name)})
	}

	// 第二层：文件名模式
	for _, p := range namePatterns {
		if p.re.MatchString(name) {
			matches = append(matches, layerMatch{p.tier, p.reason})
			break // 一个模式命中就够，后面的只会重复提级
		}
	}

	// 第三层：后缀风险基线
	if cat, ok := extRiskTable[ext]; ok {
		matches = append(matches, layerMatch{cat.tier, fmt.Sprintf("%s extension .%s", cat.name, ext)})
	}

	// 第四层：文件头。只对已命中或天生可执行/脚本的文件做，
	// 超过内容上限的大文件只做元数据判断
	if (len(matches) > 0 || isExecutableOrScript(ext)) && size > 0 && size <= s.cfg.ContentSizeCap {
		if m := s.inspectHeader(path, ext); m != nil {
			matches = append(matches, *m)
		}
	}

	if len(matches) == 0 {
		return nil
	}

	// 最高等级胜出，原因取最先发现的
	tier := matches[0].tier
	for _, m := range matches[1:] {
		if m.tier > tier {
			tier = m.tier
		}
	}
	return &model.ThreatRecord{
		Path:   path,
		Tier:   tier,
		Reason: matches[0].reason,
		Size:   size,
	}
}

// inspectHeader 读文件头识别真实类型 (PE/ELF/Java class/shebang)，
// 与声明后缀不符时提级
func (s *Scanner) inspectHeader(path, declaredExt string) *layerMatch {
	f, err := os.Open(path)
	if err != nil {
		return nil // 读不了内容就停在前三层的结论
	}
	defer f.Close()

	head := make([]byte, headerLen)
	n, err := f.Read(head)
	if n == 0 || (err != nil && n <= 0) {
		return nil
	}
	head = head[:n]

	execCat := extRiskTable[declaredExt].name == "executable"

	kind, _ := filetype.Match(head)
	switch kind {
	case matchers.TypeExe:
		if !execCat {
			// PE 伪装成非可执行后缀，极度危险
			return &layerMatch{model.TierCritical, fmt.Sprintf("PE header behind .%s extension", declaredExt)}
		}
		return nil // exe 里是 PE，正常
	case matchers.TypeElf:
		if !execCat {
			return &layerMatch{model.TierCritical, fmt.Sprintf("ELF header behind .%s extension", declaredExt)}
		}
		return nil
	}

	// Java class: CAFEBABE
	if len(head) >= 4 && bytes.Equal(head[:4], []byte{0xCA, 0xFE, 0xBA, 0xBE}) && declaredExt != "class" {
		return &layerMatch{model.TierHigh, fmt.Sprintf("Java class header behind .%s extension", declaredExt)}
	}

	// Shell shebang
	if len(head) >= 2 && head[0] == '#' && head[1] == '!' {
		if cat := extRiskTable[declaredExt].name; cat != "script" {
			return &layerMatch{model.TierHigh, fmt.Sprintf("shell shebang behind .%s extension", declaredExt)}
		}
	}

	// 反向：声明是可执行但头部对不上 —— 可能是壳或截断，保持基线不提级
	return nil
}
