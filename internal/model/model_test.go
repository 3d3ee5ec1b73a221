package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullMember() *Member {
	m := NewMember(Identity{
		NIN:      "123456789012345678",
		WassitNo: "W-77",
		CCP:      "123456789012",
		Phone:    "0555000000",
	})
	m.FirstNameAr, m.LastNameAr = "علي", "بن"
	m.FirstNameFr, m.LastNameFr = "Ali", "Ben"
	m.PreInscriptionID = StringPtr("pre-1")
	m.DemandeurID = StringPtr("dem-1")
	m.StructureID = StringPtr("str-1")
	m.RdvID = StringPtr("rdv-1")
	m.Status = StatusBooked
	m.RdvDate = "2026-11-02"
	m.RdvSource = RdvSourceSystem
	m.PDFHonneurPath = "/tmp/h.pdf"
	m.PDFRdvPath = "/tmp/r.pdf"
	m.HasPreInscription = true
	m.AlreadyHasRdv = true
	m.HaveAllocation = true
	m.AllocationDetails = map[string]string{"montant": "15000"}
	m.ConsecutiveFailures = 4
	m.SetActivity("booked")
	return m
}

func TestMemberJSONRoundTrip_ForcesNotProcessing(t *testing.T) {
	m := fullMember()
	m.IsProcessing = true

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"is_processing":false`)

	var got Member
	require.NoError(t, json.Unmarshal(data, &got))

	want := m.Clone()
	want.IsProcessing = false
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
	got.CreatedAt, got.UpdatedAt = want.CreatedAt, want.UpdatedAt
	assert.Equal(t, *want, got)
}

func TestMemberUnmarshal_ProcessingTrueOnDiskIsIgnored(t *testing.T) {
	raw := `{"id":"6f1c1e9e-4d43-4a43-9c1f-6b8d2f1f0e11","nin":"1","wassit_no":"2","is_processing":true}`

	var m Member
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	assert.False(t, m.IsProcessing)
	assert.Equal(t, StatusNew, m.Status)
}

func TestResetIdentity_ClearsDerivedFields(t *testing.T) {
	m := fullMember()
	rev := m.Revision

	reset := m.ResetIdentity(Identity{
		NIN:      "876543210987654321",
		WassitNo: "W-77",
		CCP:      "999999999999",
		Phone:    "0666000000",
	})

	require.True(t, reset)
	assert.Equal(t, StatusNew, m.Status)
	assert.Equal(t, rev+1, m.Revision)
	assert.False(t, m.HasNames())
	assert.Nil(t, m.PreInscriptionID)
	assert.Nil(t, m.DemandeurID)
	assert.Nil(t, m.StructureID)
	assert.Nil(t, m.RdvID)
	assert.Empty(t, m.RdvDate)
	assert.Empty(t, m.RdvSource)
	assert.Empty(t, m.PDFHonneurPath)
	assert.Empty(t, m.PDFRdvPath)
	assert.False(t, m.HasPreInscription)
	assert.False(t, m.AlreadyHasRdv)
	assert.False(t, m.HaveAllocation)
	assert.Nil(t, m.AllocationDetails)
	assert.Zero(t, m.ConsecutiveFailures)
	assert.Equal(t, "999999999999", m.CCP)
}

func TestResetIdentity_ContactOnlyKeepsState(t *testing.T) {
	m := fullMember()

	reset := m.ResetIdentity(Identity{
		NIN:      m.NIN,
		WassitNo: m.WassitNo,
		CCP:      "111111111111",
		Phone:    "0777000000",
	})

	assert.False(t, reset)
	assert.Equal(t, StatusBooked, m.Status)
	assert.Equal(t, "rdv-1", Deref(m.RdvID))
	assert.Equal(t, "0777000000", m.Phone)
}

func TestRecordFailureAndSuccess(t *testing.T) {
	m := NewMember(Identity{NIN: "1"})

	m.RecordFailure("timeout")
	m.RecordFailure("timeout")
	assert.Equal(t, 2, m.ConsecutiveFailures)
	assert.Equal(t, StatusNew, m.Status)

	m.RecordSuccess("ok")
	assert.Zero(t, m.ConsecutiveFailures)
	assert.Equal(t, "ok", m.LastActivity)
}

func TestSetActivity_Truncates(t *testing.T) {
	m := NewMember(Identity{NIN: "1"})
	long := ""
	for i := 0; i < 100; i++ {
		long += "x"
	}

	m.SetActivity(long)

	assert.Equal(t, long, m.LastActivityDetail)
	assert.Len(t, m.LastActivity, MaxActivityLength)
}

func TestClone_IsDeep(t *testing.T) {
	m := fullMember()
	c := m.Clone()

	*c.RdvID = "changed"
	c.AllocationDetails["montant"] = "0"

	assert.Equal(t, "rdv-1", *m.RdvID)
	assert.Equal(t, "15000", m.AllocationDetails["montant"])
}

func TestStatus_Monitorable(t *testing.T) {
	assert.False(t, StatusInvalidInput.Monitorable())
	assert.False(t, StatusCompleted.Monitorable())
	assert.True(t, StatusNew.Monitorable())
	assert.True(t, StatusCurrentlyBenefiting.Monitorable())
	assert.True(t, StatusBooked.Monitorable())
	assert.True(t, StatusPDFDownloadFailed.Monitorable())
	assert.True(t, StatusAwaitingSlot.Monitorable())
}
