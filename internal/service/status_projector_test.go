package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-lims-workflow/internal/repository"
)

func TestStatusLabels(t *testing.T) {
	labels := DefaultStatusLabels()

	tests := []struct {
		name string
		p    Projection
		want string
	}{
		{"quotation step 1", Projection{BizType: "quotation", Step: 1, Outcome: repository.StatusPending}, "pending_sales"},
		{"quotation step 3", Projection{BizType: "quotation", Step: 3, Outcome: repository.StatusPending}, "pending_lab"},
		{"quotation extra step uses node label", Projection{BizType: "quotation", Step: 4, Outcome: repository.StatusPending, NodeLabel: "pending_qa"}, "pending_qa"},
		{"quotation extra step without label", Projection{BizType: "quotation", Step: 4, Outcome: repository.StatusPending}, "pending_step_4"},
		{"quotation cancelled", Projection{BizType: "quotation", Step: 2, Outcome: repository.StatusCancelled}, "draft"},
		{"quotation rejected", Projection{BizType: "quotation", Step: 2, Outcome: repository.StatusRejected}, "rejected"},
		{"contract pending", Projection{BizType: "contract", Step: 1, Outcome: repository.StatusPending}, "pending"},
		{"contract pending with node label", Projection{BizType: "contract", Step: 1, Outcome: repository.StatusPending, NodeLabel: "pending_legal"}, "pending_legal"},
		{"contract approved ignores node label", Projection{BizType: "contract", Step: 2, Outcome: repository.StatusApproved, NodeLabel: "pending_legal"}, "approved"},
		{"client cancelled", Projection{BizType: "client", Step: 1, Outcome: repository.StatusCancelled}, "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, labels.Label(tt.p))
		})
	}
}
