package operation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/mmeshcher/allocation-booker/internal/model"
	"github.com/mmeshcher/allocation-booker/internal/upstream"
)

// CertificateResult описывает итог загрузки одного документа.
type CertificateResult struct {
	Kind model.CertificateKind
	Path string
	Err  error
}

// CertificatesOutcome описывает итог загрузки всех документов участника.
type CertificatesOutcome struct {
	Outcome
	Results    []CertificateResult
	AllSuccess bool
}

// HonneurPath возвращает путь к обязательству, если оно загружено.
func (o CertificatesOutcome) HonneurPath() string {
	return o.pathOf(model.CertificateHonneur)
}

// RdvPath возвращает путь к подтверждению записи, если оно загружено.
func (o CertificatesOutcome) RdvPath() string {
	return o.pathOf(model.CertificateRdv)
}

func (o CertificatesOutcome) pathOf(kind model.CertificateKind) string {
	for _, r := range o.Results {
		if r.Kind == kind && r.Err == nil {
			return r.Path
		}
	}
	return ""
}

// DownloadCertificates загружает документы участника по очереди. Подтверждение
// записи загружается, только если у участника есть запись. Статусы completed и
// pdf-download-failed ставятся только участнику с записью. report вызывается после
// каждого документа и может быть nil.
func (r *Runner) DownloadCertificates(ctx context.Context, in *model.Member, report func(CertificateResult)) CertificatesOutcome {
	m := in.Clone()
	out := CertificatesOutcome{Outcome: Outcome{Member: m}}

	if m.PreInscriptionID == nil {
		m.SetActivity("certificates require a pre-inscription")
		out.Err = ErrNoPreInscription
		return out
	}

	kinds := []model.CertificateKind{model.CertificateHonneur}
	if m.HasAppointment() && m.RdvID != nil {
		kinds = append(kinds, model.CertificateRdv)
	}

	var firstErr error
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			firstErr = err
			break
		}

		res := CertificateResult{Kind: kind}
		res.Path, res.Err = r.downloadOne(ctx, m, kind)
		if res.Err == nil {
			switch kind {
			case model.CertificateHonneur:
				m.PDFHonneurPath = res.Path
			case model.CertificateRdv:
				m.PDFRdvPath = res.Path
			}
			m.SetActivity(fmt.Sprintf("%s saved to %s", kind, filepath.Base(res.Path)))
		} else {
			m.SetActivity(fmt.Sprintf("%s download failed: %s", kind, upstream.ShortMessage(res.Err)))
			if firstErr == nil {
				firstErr = res.Err
			}
		}
		out.Results = append(out.Results, res)
		if report != nil {
			report(res)
		}
	}

	out.AllSuccess = firstErr == nil
	out.Err = firstErr

	// Без записи статус не трогаем, иначе участник выпадет из мониторинга.
	appointed := m.Status != model.StatusCurrentlyBenefiting && (m.Status.Settled() || m.HasAppointment())

	if out.AllSuccess {
		if appointed {
			m.Status = model.StatusCompleted
		}
		m.RecordSuccess(fmt.Sprintf("%d certificate(s) downloaded", len(out.Results)))
		return out
	}

	if appointed {
		m.Status = model.StatusPDFDownloadFailed
	}
	ok := 0
	for _, res := range out.Results {
		if res.Err == nil {
			ok++
		}
	}
	m.RecordFailure(fmt.Sprintf("certificates: %d of %d downloaded: %s", ok, len(kinds), upstream.ShortMessage(firstErr)))
	return out
}

func (r *Runner) downloadOne(ctx context.Context, m *model.Member, kind model.CertificateKind) (string, error) {
	data, err := r.client.DownloadCertificate(ctx, kind, model.Deref(m.PreInscriptionID), model.Deref(m.RdvID))
	if err != nil {
		r.logger.Warn("certificate download failed",
			zap.Stringer("member", m.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return "", err
	}

	dir := filepath.Join(r.certDir, memberFolder(m))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create certificates dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.pdf", kind, m.NIN))
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// memberFolder строит имя каталога участника из его имени или NIN.
func memberFolder(m *model.Member) string {
	name := m.LocalName()
	if strings.TrimSpace(name) == "" {
		name = m.LatinName()
	}

	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return m.NIN
	}
	return b.String()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cert-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close certificate: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename certificate: %w", err)
	}
	return nil
}
